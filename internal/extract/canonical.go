package extract

import "regexp"

// Canonical id patterns for the URL shapes of the supported platforms. The
// first capture group is the id.
var (
	RedditIDPattern    = regexp.MustCompile(`/comments/([a-z0-9]+)(?:/|$)`)
	DiscourseIDPattern = regexp.MustCompile(`/t/[^/]+/(\d+)`)
	HeyboxIDPattern    = regexp.MustCompile(`/link/(\d+)`)
)

// DefaultIDPatterns is tried in order when an adapter does not configure its own.
var DefaultIDPatterns = []*regexp.Regexp{RedditIDPattern, DiscourseIDPattern, HeyboxIDPattern}

// CanonicalID returns the first id captured by patterns from rawURL.
func CanonicalID(rawURL string, patterns ...*regexp.Regexp) (string, bool) {
	if len(patterns) == 0 {
		patterns = DefaultIDPatterns
	}
	for _, re := range patterns {
		if m := re.FindStringSubmatch(rawURL); len(m) > 1 && m[1] != "" {
			return m[1], true
		}
	}
	return "", false
}
