package extract

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

var (
	partSplitRe = regexp.MustCompile(`\s{2,}|\n`)
	levelRe     = regexp.MustCompile(`\s*Lv\.?\s*\d*`)
	integerRe   = regexp.MustCompile(`\b\d+\b`)
)

// AnchorStrategy extracts posts from a rendered feed page where every post
// is a single anchor whose text reads "author  title  summary  likes
// comments".
type AnchorStrategy struct {
	Selector string
	Base     *url.URL
	Limit    int
}

// NewAnchorStrategy creates an AnchorStrategy. Relative hrefs are resolved
// against baseURL.
func NewAnchorStrategy(selector, baseURL string, limit int) (*AnchorStrategy, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: parse base url %q", baseURL)
	}
	return &AnchorStrategy{Selector: selector, Base: base, Limit: limit}, nil
}

// Name implements Strategy.
func (s *AnchorStrategy) Name() string { return "anchor" }

// Extract implements Strategy.
func (s *AnchorStrategy) Extract(payload []byte) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "extract: parse markup")
	}

	var out []Candidate
	doc.Find(s.Selector).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if s.Limit > 0 && len(out) >= s.Limit {
			return false
		}
		href, ok := a.Attr("href")
		if !ok || href == "" {
			return true
		}
		if c, ok := s.candidate(href, a.Text()); ok {
			out = append(out, c)
		}
		return true
	})
	return out, nil
}

func (s *AnchorStrategy) candidate(href, text string) (Candidate, bool) {
	link := href
	if ref, err := url.Parse(href); err == nil && s.Base != nil {
		link = s.Base.ResolveReference(ref).String()
	}

	var parts []string
	for _, p := range partSplitRe.Split(strings.TrimSpace(text), -1) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return Candidate{}, false
	}

	c := Candidate{
		Author: strings.TrimSpace(levelRe.ReplaceAllString(parts[0], "")),
		Title:  parts[1],
		Link:   link,
		Counts: map[string]string{},
	}
	if len(parts) > 2 {
		c.Body = parts[2]
	}
	nums := integerRe.FindAllString(text, -1)
	if len(nums) >= 1 {
		c.Counts[CountComments] = nums[len(nums)-1]
	}
	if len(nums) >= 2 {
		c.Counts[CountLikes] = nums[len(nums)-2]
	}
	return c, true
}
