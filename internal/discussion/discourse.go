package discussion

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/community-pulse/internal/extract"
	"github.com/sells-group/community-pulse/internal/model"
)

// Discourse reads replies from a rendered Discourse topic page. The first
// .topic-post is the opening post and is skipped.
type Discourse struct {
	page PageFunc
}

// NewDiscourse creates a Discourse fetcher.
func NewDiscourse(page PageFunc) *Discourse {
	return &Discourse{page: page}
}

func (d *Discourse) Replies(ctx context.Context, rec model.Record, limit int) ([]model.Reply, error) {
	if rec.URL == "" {
		return nil, eris.Errorf("discussion: record %s has no url", rec.ID)
	}
	body, err := d.page(ctx, rec.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "discussion: fetch topic %s", rec.ID)
	}
	replies, err := ParseDiscourse(body, rec.ID)
	if err != nil {
		return nil, err
	}
	return capReplies(replies, limit), nil
}

// ParseDiscourse extracts replies from topic HTML.
func ParseDiscourse(body []byte, recordID string) ([]model.Reply, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "discussion: parse topic html")
	}

	posts := doc.Find(".topic-post")
	if posts.Length() == 0 {
		return nil, ErrNoThread
	}

	replies := make([]model.Reply, 0, posts.Length()-1)
	posts.Each(func(i int, s *goquery.Selection) {
		if i == 0 {
			return
		}
		text := extract.NormalizeWhitespace(s.Find(".cooked").First().Text())
		if text == "" {
			return
		}
		r := model.Reply{
			RecordID: recordID,
			ID:       postNumber(s, i),
			Author:   strings.TrimSpace(s.Find(".username").First().Text()),
			Body:     text,
			Likes:    extract.ParseCount(s.Find(".likes").First().Text()),
		}
		if to, ok := s.Attr("data-reply-to-post-number"); ok && to != "" {
			r.ParentID = to
			r.Depth = 1
		}
		r.PostedAt = postDate(s.Find(".post-date").First())
		replies = append(replies, r)
	})
	return replies, nil
}

func postNumber(s *goquery.Selection, index int) string {
	for _, attr := range []string{"data-post-number", "data-post-id"} {
		if v, ok := s.Attr(attr); ok && v != "" {
			return v
		}
	}
	if id, ok := s.Attr("id"); ok && strings.HasPrefix(id, "post_") {
		return strings.TrimPrefix(id, "post_")
	}
	return strconv.Itoa(index + 1)
}

// postDate reads the data-time epoch millis, falling back to the title
// attribute Discourse renders for hover text.
func postDate(s *goquery.Selection) *time.Time {
	if ms, ok := s.Attr("data-time"); ok {
		if v, err := strconv.ParseInt(ms, 10, 64); err == nil && v > 0 {
			t := time.UnixMilli(v).UTC()
			return &t
		}
	}
	title, ok := s.Attr("title")
	if !ok {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "Jan 2, 2006 3:04 pm", "2006年1月2日 15:04"} {
		if t, err := time.Parse(layout, strings.TrimSpace(title)); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
