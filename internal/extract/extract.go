// Package extract turns raw feed and page payloads into validated records
// through an ordered chain of extraction strategies.
package extract

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/community-pulse/internal/model"
)

// ErrNoID is returned by an adapter when no canonical id can be derived.
var ErrNoID = eris.New("extract: no canonical id")

// Count keys understood by Normalizer.
const (
	CountReplies      = "replies"
	CountParticipants = "participants"
	CountScore        = "score"
	CountLikes        = "likes"
	CountComments     = "comments"
)

// Candidate is a raw item pulled out of a payload before normalization.
type Candidate struct {
	Title     string
	Link      string
	Body      string
	Author    string
	Channel   string
	Published *time.Time
	// Counts holds unparsed engagement counters keyed by the Count* names.
	Counts map[string]string
}

// Strategy extracts candidates from a payload. An error or an empty slice
// means the strategy did not apply.
type Strategy interface {
	Name() string
	Extract(payload []byte) ([]Candidate, error)
}

// Adapter maps a candidate to a record for a specific source.
type Adapter interface {
	Adapt(c Candidate) (model.Record, error)
}

// AdapterFunc adapts an ordinary function to the Adapter interface.
type AdapterFunc func(c Candidate) (model.Record, error)

// Adapt calls f(c).
func (f AdapterFunc) Adapt(c Candidate) (model.Record, error) { return f(c) }

// Normalizer is the default adapter: it cleans text, derives the id from
// the link and truncates overlong fields.
type Normalizer struct {
	Tag        model.SourceTag
	IDPatterns []*regexp.Regexp
	IDPrefix   string
	TitleCap   int
	BodyCap    int
}

// DefaultTitleCap bounds titles when a Normalizer sets no cap of its own.
const DefaultTitleCap = 300

// Adapt implements Adapter.
func (n Normalizer) Adapt(c Candidate) (model.Record, error) {
	titleCap := n.TitleCap
	if titleCap == 0 {
		titleCap = DefaultTitleCap
	}

	link := strings.TrimSpace(c.Link)
	id, ok := CanonicalID(link, n.IDPatterns...)
	if !ok {
		return model.Record{}, eris.Wrapf(ErrNoID, "extract: link %q", link)
	}

	rec := model.Record{
		ID:          n.IDPrefix + id,
		Title:       Truncate(CleanText(c.Title), titleCap),
		URL:         link,
		Body:        Truncate(CleanText(c.Body), n.BodyCap),
		Author:      NormalizeWhitespace(c.Author),
		Channel:     NormalizeWhitespace(c.Channel),
		PublishedAt: c.Published,
		SourceTag:   n.Tag,
		Engagement: model.Engagement{
			Replies:      ParseCount(c.Counts[CountReplies]),
			Participants: ParseCount(c.Counts[CountParticipants]),
			Score:        ParseCount(c.Counts[CountScore]),
			Likes:        ParseCount(c.Counts[CountLikes]),
			Comments:     ParseCount(c.Counts[CountComments]),
		},
	}
	if err := rec.Validate(); err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

// Attempt records how a single strategy fared against a payload.
type Attempt struct {
	Strategy   string `json:"strategy"`
	Candidates int    `json:"candidates"`
	Valid      int    `json:"valid"`
	Discarded  int    `json:"discarded"`
	Err        error  `json:"-"`
}

// Result is the outcome of running a chain.
type Result struct {
	Records  []model.Record
	Strategy string
	Attempts []Attempt
}

// Chain tries strategies in order. The first strategy that produces at
// least one valid record wins.
type Chain struct {
	adapter    Adapter
	strategies []Strategy
}

// NewChain creates a Chain that maps candidates through adapter.
func NewChain(adapter Adapter, strategies ...Strategy) *Chain {
	if adapter == nil {
		adapter = Normalizer{}
	}
	return &Chain{adapter: adapter, strategies: strategies}
}

// DefaultStrategies returns the feed, embedded-feed and pattern strategies
// in that order.
func DefaultStrategies() []Strategy {
	feed := NewFeedStrategy()
	return []Strategy{
		feed,
		NewEmbeddedStrategy("pre", feed),
		NewPatternStrategy(),
	}
}

// Strategies returns the configured strategy names in order.
func (c *Chain) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Extract runs the chain over payload. It never fails: when every strategy
// misses, the result carries no records.
func (c *Chain) Extract(ctx context.Context, payload []byte) Result {
	var res Result
	for _, s := range c.strategies {
		if ctx.Err() != nil {
			break
		}
		attempt := Attempt{Strategy: s.Name()}
		candidates, err := s.Extract(payload)
		attempt.Candidates = len(candidates)
		if err != nil {
			attempt.Err = err
			res.Attempts = append(res.Attempts, attempt)
			zap.L().Debug("extract: strategy failed, trying next",
				zap.String("strategy", s.Name()),
				zap.Error(err),
			)
			continue
		}

		records := c.adaptAll(s.Name(), candidates)
		attempt.Valid = len(records)
		attempt.Discarded = len(candidates) - len(records)
		res.Attempts = append(res.Attempts, attempt)
		if len(records) > 0 {
			res.Records = records
			res.Strategy = s.Name()
			return res
		}
		zap.L().Debug("extract: strategy produced no valid records, trying next",
			zap.String("strategy", s.Name()),
			zap.Int("candidates", len(candidates)),
		)
	}

	zap.L().Warn("extract: all strategies missed",
		zap.Int("payload_bytes", len(payload)),
		zap.Strings("strategies", c.Strategies()),
	)
	return res
}

func (c *Chain) adaptAll(strategy string, candidates []Candidate) []model.Record {
	seen := make(map[string]bool, len(candidates))
	records := make([]model.Record, 0, len(candidates))
	for _, cand := range candidates {
		rec, err := c.adapter.Adapt(cand)
		if err != nil {
			zap.L().Info("extract: discarding candidate",
				zap.String("strategy", strategy),
				zap.String("title", Truncate(cand.Title, 60)),
				zap.String("link", cand.Link),
				zap.Error(err),
			)
			continue
		}
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		records = append(records, rec)
	}
	return records
}
