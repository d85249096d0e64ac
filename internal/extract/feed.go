package extract

import (
	"bytes"

	"github.com/mmcdole/gofeed"
	"github.com/rotisserie/eris"
)

// FeedStrategy parses RSS, Atom and JSON Feed documents.
type FeedStrategy struct{}

// NewFeedStrategy creates a FeedStrategy.
func NewFeedStrategy() *FeedStrategy { return &FeedStrategy{} }

// Name implements Strategy.
func (s *FeedStrategy) Name() string { return "feed" }

// Extract implements Strategy.
func (s *FeedStrategy) Extract(payload []byte) ([]Candidate, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "extract: parse feed")
	}

	out := make([]Candidate, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		c := Candidate{
			Title:   item.Title,
			Link:    item.Link,
			Body:    item.Description,
			Channel: feed.Title,
		}
		if c.Link == "" && len(item.Links) > 0 {
			c.Link = item.Links[0]
		}
		if c.Body == "" {
			c.Body = item.Content
		}
		switch {
		case item.Author != nil:
			c.Author = item.Author.Name
		case len(item.Authors) > 0 && item.Authors[0] != nil:
			c.Author = item.Authors[0].Name
		}
		if len(item.Categories) > 0 {
			c.Channel = item.Categories[0]
		}
		if item.PublishedParsed != nil {
			c.Published = item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			c.Published = item.UpdatedParsed
		}
		out = append(out, c)
	}
	return out, nil
}
