package extract

import (
	"html"
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	tagRe        = regexp.MustCompile(`(?s)<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	countRe      = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([kKwW万千]?)`)
)

// StripMarkup removes tags and decodes entities.
func StripMarkup(s string) string {
	return html.UnescapeString(tagRe.ReplaceAllString(s, " "))
}

// NormalizeWhitespace applies NFKC normalization and collapses every run of
// whitespace into a single space.
func NormalizeWhitespace(s string) string {
	s = norm.NFKC.String(s)
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// CleanText strips markup and normalizes whitespace.
func CleanText(s string) string {
	return NormalizeWhitespace(StripMarkup(s))
}

// Truncate caps s at n runes, marking the cut with "...". n <= 0 disables
// the cap.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}

// ParseCount reads a human-formatted counter such as "1,204", "3.4k" or
// "1.2万". Anything unparseable yields 0.
func ParseCount(s string) int {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	m := countRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v < 0 {
		return 0
	}
	switch m[2] {
	case "k", "K", "千":
		v *= 1_000
	case "w", "W", "万":
		v *= 10_000
	}
	if v > math.MaxInt32 {
		return 0
	}
	return int(math.Round(v))
}
