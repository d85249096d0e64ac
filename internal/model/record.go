package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// SourceTag identifies the platform or feed that produced a record.
type SourceTag string

const (
	SourceLinuxDo SourceTag = "linuxdo"
	SourceReddit  SourceTag = "reddit"
	SourceHeybox  SourceTag = "heybox"
)

// AllSources returns every supported source tag.
func AllSources() []SourceTag {
	return []SourceTag{SourceLinuxDo, SourceReddit, SourceHeybox}
}

// ParseSourceTag validates a source name from user input.
func ParseSourceTag(s string) (SourceTag, error) {
	tag := SourceTag(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllSources() {
		if tag == known {
			return tag, nil
		}
	}
	return "", eris.Errorf("model: unknown source %q", s)
}

// Engagement holds optional popularity counters. Zero means unknown or none.
type Engagement struct {
	Replies      int `json:"replies"`
	Participants int `json:"participants"`
	Score        int `json:"score"`
	Likes        int `json:"likes"`
	Comments     int `json:"comments"`
}

// Record is one content item produced by the extractor.
type Record struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Body        string     `json:"body"`
	Author      string     `json:"author,omitempty"`
	Channel     string     `json:"channel,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Engagement  Engagement `json:"engagement"`
	SourceTag   SourceTag  `json:"source_tag"`
}

// Record validation errors.
var (
	ErrMissingID    = eris.New("model: record has no id")
	ErrMissingTitle = eris.New("model: record has no title")
)

// Validate checks the invariants every record must hold before it enters the
// pipeline.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrMissingID
	}
	if strings.TrimSpace(r.Title) == "" {
		return ErrMissingTitle
	}
	return nil
}

// EnrichedRecord is a record with its annotation and any discussion data
// gathered for it.
type EnrichedRecord struct {
	Record     Record     `json:"record"`
	Annotation Annotation `json:"annotation"`
	Replies    []Reply    `json:"replies,omitempty"`
}
