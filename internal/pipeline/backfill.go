package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/community-pulse/internal/discussion"
	"github.com/sells-group/community-pulse/internal/model"
	"github.com/sells-group/community-pulse/internal/session"
)

// BackfillResult reports a discussion backfill.
type BackfillResult struct {
	Checked  int   `json:"checked"`
	Fetched  int   `json:"fetched"`
	Failed   int   `json:"failed"`
	Replies  int   `json:"replies"`
	Inserted int64 `json:"inserted"`
}

// BackfillDiscussions fetches replies for stored records of tag that have
// none yet. Records are not re-extracted or re-annotated.
func (p *Pipeline) BackfillDiscussions(ctx context.Context, tag model.SourceTag, limit int) (*BackfillResult, error) {
	log := zap.L().With(zap.String("source", string(tag)), zap.String("flow", "backfill"))
	phases := phaseTracker{log: log}

	profile, err := p.registry.Get(tag)
	if err != nil {
		return nil, err
	}
	if !profile.SupportsDiscussion || !p.cfg.Discussion.Enabled {
		return nil, eris.Errorf("pipeline: discussions are not enabled for %s", tag)
	}

	if err := phases.track(ctx, "migrate", p.store.Migrate); err != nil {
		return nil, eris.Wrap(err, "pipeline: migrate")
	}

	var pending []model.Record
	err = phases.track(ctx, "select", func(ctx context.Context) error {
		var qerr error
		pending, qerr = p.store.RecordsMissingDiscussion(ctx, tag, limit)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	res := &BackfillResult{Checked: len(pending)}
	if len(pending) == 0 {
		log.Info("pipeline: no records need discussion backfill")
		return res, nil
	}

	sess, err := session.NewBootstrapper(profile, p.drivers, p.sessionOptions()).Bootstrap(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close() //nolint:errcheck

	f, err := discussion.New(ctx, profile, p.cfg.Discussion, sess.Fetch)
	if err != nil {
		return nil, err
	}

	items := make([]model.EnrichedRecord, len(pending))
	for i, r := range pending {
		items[i] = model.EnrichedRecord{Record: r}
	}

	var stats discussion.Stats
	_ = phases.track(ctx, "discussions", func(ctx context.Context) error {
		stats = discussion.Attach(ctx, f, items, profile.DiscussionLimit, p.cfg.Enrich.Concurrency)
		return nil
	})
	res.Fetched, res.Failed, res.Replies = stats.Fetched, stats.Failed, stats.Replies

	var replies []model.Reply
	for _, it := range items {
		replies = append(replies, it.Replies...)
	}
	if len(replies) > 0 {
		err = phases.track(ctx, "persist", func(ctx context.Context) error {
			var uerr error
			res.Inserted, uerr = p.store.UpsertReplies(ctx, replies)
			return uerr
		})
		if err != nil {
			return res, err
		}
	}

	log.Info("pipeline: discussion backfill complete",
		zap.Int("checked", res.Checked),
		zap.Int("fetched", res.Fetched),
		zap.Int("failed", res.Failed),
		zap.Int64("inserted", res.Inserted),
	)
	return res, nil
}

// Diagnose bootstraps an authenticated session for tag and compares its
// content against an anonymous baseline.
func (p *Pipeline) Diagnose(ctx context.Context, tag model.SourceTag) (*session.Diagnostic, error) {
	if p.personalization == nil {
		return nil, eris.New("pipeline: personalization diagnostic is not configured")
	}
	profile, err := p.registry.Get(tag)
	if err != nil {
		return nil, err
	}
	if !profile.HasCredentials() {
		return nil, eris.Wrapf(errNoCredentials, "pipeline: %s", tag)
	}

	sess, err := session.NewBootstrapper(profile, p.drivers, p.sessionOptions()).
		WithPersonalization(p.personalization).
		Bootstrap(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close() //nolint:errcheck
	return sess.Diagnostic, nil
}

var errNoCredentials = eris.New("no session token configured")
