package extract

import (
	"html"
	"regexp"
	"strings"
)

var (
	blockRe = regexp.MustCompile(`(?is)<(item|entry)\b.*?</(?:item|entry)>`)
	titleRe = regexp.MustCompile(`(?is)<title[^>]*>\s*(?:<!\[CDATA\[)?(.*?)(?:\]\]>)?\s*</title>`)
	linkRe  = regexp.MustCompile(`(?is)<link(?:\s[^>]*?\bhref="([^"]+)"[^>]*>|>\s*([^<]+?)\s*</link>)`)
)

// PatternStrategy scans raw text for title/link pairs without relying on
// document structure. It is the lowest fidelity strategy and exists so a
// payload with any recognisable pair still yields records.
type PatternStrategy struct{}

// NewPatternStrategy creates a PatternStrategy.
func NewPatternStrategy() *PatternStrategy { return &PatternStrategy{} }

// Name implements Strategy.
func (s *PatternStrategy) Name() string { return "pattern" }

// Extract implements Strategy.
func (s *PatternStrategy) Extract(payload []byte) ([]Candidate, error) {
	text := string(payload)
	if strings.Contains(text, "&lt;title") {
		text = html.UnescapeString(text)
	}

	if blocks := blockRe.FindAllString(text, -1); len(blocks) > 0 {
		out := make([]Candidate, 0, len(blocks))
		for _, b := range blocks {
			titles, links := findTitles(b), findLinks(b)
			if len(titles) == 0 || len(links) == 0 {
				continue
			}
			out = append(out, Candidate{Title: titles[0], Link: links[0]})
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	titles, links := findTitles(text), findLinks(text)
	// A leading channel title without its own link shifts every pair by one.
	if len(titles) == len(links)+1 {
		titles = titles[1:]
	}
	n := min(len(titles), len(links))
	out := make([]Candidate, 0, n)
	for i := range n {
		out = append(out, Candidate{Title: titles[i], Link: links[i]})
	}
	return out, nil
}

func findTitles(s string) []string {
	var out []string
	for _, m := range titleRe.FindAllStringSubmatch(s, -1) {
		out = append(out, html.UnescapeString(m[1]))
	}
	return out
}

func findLinks(s string) []string {
	var out []string
	for _, m := range linkRe.FindAllStringSubmatch(s, -1) {
		link := m[1]
		if link == "" {
			link = m[2]
		}
		out = append(out, html.UnescapeString(strings.TrimSpace(link)))
	}
	return out
}
