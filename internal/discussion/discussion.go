// Package discussion gathers the companion replies of a record from its
// source's topic page or comments endpoint.
package discussion

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/community-pulse/internal/config"
	"github.com/sells-group/community-pulse/internal/model"
	"github.com/sells-group/community-pulse/internal/source"
)

// ErrNoThread is returned when a page holds no recognizable discussion.
var ErrNoThread = eris.New("discussion: no thread found")

// PageFunc retrieves a document. session.Session.Fetch satisfies it, so
// topic pages are read with the run's cookies.
type PageFunc func(ctx context.Context, url string) ([]byte, error)

// Fetcher returns the replies of one record. On success the slice is never
// nil, even when the thread has no replies.
type Fetcher interface {
	Replies(ctx context.Context, rec model.Record, limit int) ([]model.Reply, error)
}

// New returns the Fetcher for profile, or nil when the source has no
// discussion support. page is used for every request unless Reddit client
// credentials are configured.
func New(ctx context.Context, profile *source.Profile, cfg config.DiscussionConfig, page PageFunc) (Fetcher, error) {
	if !cfg.Enabled || !profile.SupportsDiscussion {
		return nil, nil
	}
	switch profile.Tag {
	case model.SourceLinuxDo:
		return NewDiscourse(page), nil
	case model.SourceReddit:
		if cfg.Reddit.ClientID != "" {
			if cfg.Reddit.ClientSecret == "" {
				return nil, eris.Wrap(config.ErrMissingConfig, "discussion: reddit client_secret")
			}
			return NewReddit(cfg.Reddit.APIBaseURL, OAuthPage(ctx, cfg.Reddit, "")), nil
		}
		return NewReddit(profile.EntryURL, page), nil
	default:
		return nil, nil
	}
}

// Stats summarizes one Attach call.
type Stats struct {
	Fetched int
	Failed  int
	Replies int
}

// Attach fills in Replies for every item, fetching up to concurrency threads
// at a time. Items whose fetch fails keep a nil Replies slice.
func Attach(ctx context.Context, f Fetcher, items []model.EnrichedRecord, limit, concurrency int) Stats {
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		g     errgroup.Group
		mu    sync.Mutex
		stats Stats
	)
	g.SetLimit(concurrency)

	for i := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			rec := items[i].Record
			replies, err := f.Replies(ctx, rec, limit)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				zap.L().Warn("discussion: fetch failed",
					zap.String("record_id", rec.ID),
					zap.Error(err),
				)
				return nil
			}
			items[i].Replies = replies
			stats.Fetched++
			stats.Replies += len(replies)
			return nil
		})
	}
	_ = g.Wait()
	return stats
}

// capReplies keeps the limit most-liked replies.
func capReplies(replies []model.Reply, limit int) []model.Reply {
	if limit > 0 && len(replies) > limit {
		return model.TopReplies(replies, limit)
	}
	return replies
}
