package extract

import (
	"bytes"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// EmbeddedStrategy finds a feed document wrapped inside page markup, as
// browsers do when rendering raw XML, unescapes it and hands it to Inner.
type EmbeddedStrategy struct {
	Selector string
	Inner    Strategy
}

// NewEmbeddedStrategy creates an EmbeddedStrategy. An empty selector
// defaults to "pre".
func NewEmbeddedStrategy(selector string, inner Strategy) *EmbeddedStrategy {
	if selector == "" {
		selector = "pre"
	}
	return &EmbeddedStrategy{Selector: selector, Inner: inner}
}

// Name implements Strategy.
func (s *EmbeddedStrategy) Name() string { return "embedded" }

// Extract implements Strategy.
func (s *EmbeddedStrategy) Extract(payload []byte) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "extract: parse markup")
	}

	containers := doc.Find(s.Selector)
	if containers.Length() == 0 {
		return nil, eris.Errorf("extract: no %q container in markup", s.Selector)
	}

	var lastErr error
	for i := range containers.Length() {
		text := strings.TrimSpace(containers.Eq(i).Text())
		// Some renderers double-escape; Text only undoes one level.
		if !strings.HasPrefix(text, "<") && strings.Contains(text, "&lt;") {
			text = html.UnescapeString(text)
		}
		if text == "" {
			continue
		}
		candidates, err := s.Inner.Extract([]byte(text))
		if err != nil {
			lastErr = err
			continue
		}
		if len(candidates) > 0 {
			return candidates, nil
		}
	}
	if lastErr != nil {
		return nil, eris.Wrap(lastErr, "extract: embedded content")
	}
	return nil, nil
}
