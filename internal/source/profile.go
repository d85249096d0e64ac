// Package source describes each supported content platform: where its feed
// lives, how a session authenticates against it, and how its payloads map
// onto records.
package source

import (
	"regexp"
	"slices"

	"github.com/sells-group/community-pulse/internal/extract"
	"github.com/sells-group/community-pulse/internal/model"
)

// Profile is the static description of one source.
type Profile struct {
	Tag         model.SourceTag
	DisplayName string

	// EntryURL is where a session starts. For feed sources it doubles as
	// the warm-up page that issues anonymous cookies.
	EntryURL string
	// FeedURLs are fetched through the session after bootstrap. An empty
	// list means records are extracted from the rendered entry page.
	FeedURLs []string

	RequiresAuth bool
	// AuthMarkers are CSS selectors, any of which proves the page rendered
	// content only an authenticated session can see.
	AuthMarkers    []string
	TokenKey       string
	SecondaryKey   string
	CookieDomain   string
	Token          string
	SecondaryToken string

	Categories []string
	Framing    string
	BodyCap    int
	PromptCap  int
	PostLimit  int

	SupportsDiscussion bool
	DiscussionLimit    int

	IDPrefix   string
	IDPatterns []*regexp.Regexp

	adapter    extract.Adapter
	strategies []extract.Strategy
}

// Chain builds the extraction chain for this source.
func (p *Profile) Chain() *extract.Chain {
	return extract.NewChain(p.Adapter(), p.Strategies()...)
}

// Adapter returns the source's candidate adapter.
func (p *Profile) Adapter() extract.Adapter {
	if p.adapter != nil {
		return p.adapter
	}
	return p.normalizer()
}

// Strategies returns the extraction strategies in the order they are tried.
func (p *Profile) Strategies() []extract.Strategy {
	if len(p.strategies) > 0 {
		return p.strategies
	}
	return extract.DefaultStrategies()
}

// HasCategory reports whether c belongs to the source's closed vocabulary.
// The unclassified category is always accepted.
func (p *Profile) HasCategory(c string) bool {
	return c == model.CategoryUnclassified || slices.Contains(p.Categories, c)
}

// HasCredentials reports whether a token was configured.
func (p *Profile) HasCredentials() bool {
	return p.Token != ""
}

// Limit truncates records to the profile's post limit.
func (p *Profile) Limit(records []model.Record) []model.Record {
	if p.PostLimit > 0 && len(records) > p.PostLimit {
		return records[:p.PostLimit]
	}
	return records
}

func (p *Profile) normalizer() extract.Normalizer {
	return extract.Normalizer{
		Tag:        p.Tag,
		IDPatterns: p.IDPatterns,
		IDPrefix:   p.IDPrefix,
		BodyCap:    p.BodyCap,
	}
}
