package model

import (
	"sort"
	"time"
)

// Reply is one entry of a record's companion discussion.
type Reply struct {
	RecordID string     `json:"record_id"`
	ID       string     `json:"id"`
	ParentID string     `json:"parent_id,omitempty"`
	Author   string     `json:"author"`
	Body     string     `json:"body"`
	Likes    int        `json:"likes"`
	Depth    int        `json:"depth"`
	PostedAt *time.Time `json:"posted_at,omitempty"`
}

// TopReplies returns up to n replies ordered by likes, highest first. Ties
// keep their original order. The input slice is not modified.
func TopReplies(replies []Reply, n int) []Reply {
	if n <= 0 || len(replies) == 0 {
		return nil
	}
	ranked := make([]Reply, len(replies))
	copy(ranked, replies)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Likes > ranked[j].Likes
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
