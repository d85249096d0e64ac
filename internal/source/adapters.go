package source

import (
	"regexp"
	"strings"

	"github.com/sells-group/community-pulse/internal/extract"
	"github.com/sells-group/community-pulse/internal/model"
)

var (
	discourseStatsRe  = regexp.MustCompile(`(\d+)\s*个帖子\s*-\s*(\d+)\s*位参与者`)
	discourseFooterRe = regexp.MustCompile(`(?s)阅读完整话题.*$`)

	redditArtifactRe  = regexp.MustCompile(`\[(?:link|comments)\]`)
	redditSubmittedRe = regexp.MustCompile(`submitted\s+by\s+/?u/\S+`)
)

// discourseAdapter lifts reply and participant counts out of the Discourse
// RSS description before normalizing.
func discourseAdapter(n extract.Normalizer) extract.Adapter {
	return extract.AdapterFunc(func(c extract.Candidate) (model.Record, error) {
		plain := extract.StripMarkup(c.Body)
		if m := discourseStatsRe.FindStringSubmatch(plain); m != nil {
			c.Counts = withCount(c.Counts, extract.CountReplies, m[1])
			c.Counts = withCount(c.Counts, extract.CountParticipants, m[2])
			plain = discourseStatsRe.ReplaceAllString(plain, " ")
		}
		c.Body = discourseFooterRe.ReplaceAllString(plain, "")
		return n.Adapt(c)
	})
}

// redditAdapter strips the boilerplate Reddit appends to every Atom entry.
func redditAdapter(n extract.Normalizer) extract.Adapter {
	return extract.AdapterFunc(func(c extract.Candidate) (model.Record, error) {
		body := extract.StripMarkup(c.Body)
		body = redditSubmittedRe.ReplaceAllString(body, " ")
		c.Body = redditArtifactRe.ReplaceAllString(body, " ")
		c.Author = strings.TrimPrefix(strings.TrimSpace(c.Author), "/u/")
		return n.Adapt(c)
	})
}

func withCount(counts map[string]string, key, value string) map[string]string {
	if counts == nil {
		counts = make(map[string]string)
	}
	if _, ok := counts[key]; !ok {
		counts[key] = value
	}
	return counts
}
