// Package pipeline sequences one acquisition run: session bootstrap,
// extraction, discussion fetching, annotation and persistence.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/community-pulse/internal/config"
	"github.com/sells-group/community-pulse/internal/discussion"
	"github.com/sells-group/community-pulse/internal/enrich"
	"github.com/sells-group/community-pulse/internal/model"
	"github.com/sells-group/community-pulse/internal/resilience"
	"github.com/sells-group/community-pulse/internal/session"
	"github.com/sells-group/community-pulse/internal/source"
	"github.com/sells-group/community-pulse/internal/store"
)

const defaultDrainTimeout = 30 * time.Second

var tracer = otel.Tracer("pulse/pipeline")

// Pipeline runs sources end to end. A Pipeline may run several sources
// concurrently; every run bootstraps its own session, while all runs share
// one model rate limiter and circuit breaker.
type Pipeline struct {
	cfg      *config.Config
	store    store.Store
	registry *source.Registry
	llm      enrich.Completer
	drivers  session.DriverFactory
	shared   *enrich.Shared

	personalization *session.Personalization
	drainTimeout    time.Duration
	now             func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPersonalization runs the personalization diagnostic after every
// authenticated bootstrap.
func WithPersonalization(pz *session.Personalization) Option {
	return func(p *Pipeline) { p.personalization = pz }
}

// WithDrainTimeout bounds how long a cancelled run may spend persisting what
// it already has.
func WithDrainTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.drainTimeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline.
func New(cfg *config.Config, st store.Store, reg *source.Registry, llm enrich.Completer, drivers session.DriverFactory, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:          cfg,
		store:        st,
		registry:     reg,
		llm:          llm,
		drivers:      drivers,
		shared:       enrich.NewShared(enrich.OptionsFromConfig(cfg.Enrich)),
		drainTimeout: defaultDrainTimeout,
		now:          time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// phaseTracker times, logs and traces each phase of one run.
type phaseTracker struct {
	log *zap.Logger
}

func (t phaseTracker) track(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start).Milliseconds()
	span.SetAttributes(attribute.Int64("duration_ms", duration))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.log.Error("pipeline: phase failed",
			zap.String("phase", name),
			zap.Int64("duration_ms", duration),
			zap.Error(err),
		)
		return err
	}
	t.log.Info("pipeline: phase complete",
		zap.String("phase", name),
		zap.Int64("duration_ms", duration),
	)
	return nil
}

// Run executes one run for tag. Bootstrap and configuration failures are
// returned as errors alongside a failed summary; everything after bootstrap
// degrades instead of failing, and an empty extraction yields a summary
// with status empty and no error.
func (p *Pipeline) Run(ctx context.Context, tag model.SourceTag) (*model.RunSummary, error) {
	summary := &model.RunSummary{
		ID:        uuid.NewString(),
		Source:    tag,
		Status:    model.RunStatusRunning,
		StartedAt: p.now().UTC(),
	}
	log := zap.L().With(zap.String("run_id", summary.ID), zap.String("source", string(tag)))
	log.Info("pipeline: starting run")

	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run_id", summary.ID),
		attribute.String("source", string(tag)),
	))
	defer span.End()

	phases := phaseTracker{log: log}

	profile, err := p.registry.Get(tag)
	if err != nil {
		return p.fail(ctx, summary, err, false), err
	}

	if err := phases.track(ctx, "migrate", p.store.Migrate); err != nil {
		err = eris.Wrap(err, "pipeline: migrate")
		return p.fail(ctx, summary, err, false), err
	}

	var sess *session.Session
	err = phases.track(ctx, "bootstrap", func(ctx context.Context) error {
		var bsErr error
		sess, bsErr = p.bootstrapper(profile).Bootstrap(ctx)
		return bsErr
	})
	if err != nil {
		return p.fail(ctx, summary, err, true), err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Debug("pipeline: close session", zap.Error(cerr))
		}
	}()
	if sess.Diagnostic != nil {
		personalized := sess.Diagnostic.Personalized
		summary.Personalized = &personalized
	}

	var records []model.Record
	_ = phases.track(ctx, "extract", func(ctx context.Context) error {
		records = p.extract(ctx, log, sess, profile)
		return nil
	})
	summary.RecordCount = len(records)
	if len(records) == 0 {
		log.Warn("pipeline: no records extracted")
		emptyCtx, cancel := p.drainContext(ctx, summary, log)
		defer cancel()
		return p.finish(emptyCtx, log, summary), nil
	}

	items := make([]model.EnrichedRecord, len(records))
	for i, r := range records {
		items[i] = model.EnrichedRecord{Record: r}
	}

	if f, ferr := discussion.New(ctx, profile, p.cfg.Discussion, sess.Fetch); ferr != nil {
		log.Warn("pipeline: discussions disabled", zap.Error(ferr))
	} else if f != nil {
		_ = phases.track(ctx, "discussions", func(ctx context.Context) error {
			stats := discussion.Attach(ctx, f, items, profile.DiscussionLimit, p.cfg.Enrich.Concurrency)
			log.Info("pipeline: discussions attached",
				zap.Int("fetched", stats.Fetched),
				zap.Int("failed", stats.Failed),
				zap.Int("replies", stats.Replies),
			)
			return nil
		})
	}

	enrichOpts := enrich.OptionsFromConfig(p.cfg.Enrich)
	enrichOpts.Shared = p.shared
	enricher := enrich.New(p.llm, profile, enrichOpts)
	var annotated []model.EnrichedRecord
	_ = phases.track(ctx, "annotate", func(ctx context.Context) error {
		annotated = enricher.AnnotateAll(ctx, items)
		return nil
	})
	summary.AnnotatedCount = len(annotated)
	for _, a := range annotated {
		if a.Annotation.Degraded {
			summary.DegradedCount++
		}
	}

	persistCtx, cancel := p.drainContext(ctx, summary, log)
	defer cancel()

	_ = phases.track(persistCtx, "persist", func(ctx context.Context) error {
		res := p.store.UpsertRecords(ctx, annotated)
		summary.PersistedCount = res.Written
		summary.FailedCount = res.Failed
		if res.Degraded > 0 {
			log.Warn("pipeline: records written without engagement counters", zap.Int("records", res.Degraded))
		}
		p.persistReplies(ctx, log, annotated)
		if res.Failed > 0 {
			return eris.Errorf("pipeline: %d of %d record writes failed", res.Failed, len(annotated))
		}
		return nil
	})

	return p.finish(persistCtx, log, summary), nil
}

// drainContext returns a context for the persistence phases. Once the run
// is cancelled, persistence continues detached from ctx under the drain
// timeout.
func (p *Pipeline) drainContext(ctx context.Context, summary *model.RunSummary, log *zap.Logger) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	summary.Cancelled = true
	log.Warn("pipeline: run cancelled, draining to persistence",
		zap.Int("records", summary.AnnotatedCount),
		zap.Duration("timeout", p.drainTimeout),
	)
	return context.WithTimeout(context.WithoutCancel(ctx), p.drainTimeout)
}

func (p *Pipeline) bootstrapper(profile *source.Profile) *session.Bootstrapper {
	b := session.NewBootstrapper(profile, p.drivers, p.sessionOptions())
	if p.personalization != nil && profile.HasCredentials() {
		b = b.WithPersonalization(p.personalization)
	}
	return b
}

func (p *Pipeline) sessionOptions() session.Options {
	return session.Options{
		MaxAttempts: p.cfg.Session.MaxAttempts,
		Navigation: resilience.RetryConfig{
			MaxAttempts: p.cfg.Fetch.MaxAttempts,
			Delay:       time.Duration(p.cfg.Fetch.RetryDelayMs) * time.Millisecond,
		},
	}
}

// extract reads every feed of profile through the session, or the rendered
// entry page when the source has no feeds. Records are deduplicated by id
// and capped at the profile's post limit.
func (p *Pipeline) extract(ctx context.Context, log *zap.Logger, sess *session.Session, profile *source.Profile) []model.Record {
	chain := profile.Chain()

	var payloads [][]byte
	if len(profile.FeedURLs) == 0 {
		body, err := sess.Content(ctx)
		if err != nil {
			log.Warn("pipeline: read entry page", zap.Error(err))
			return nil
		}
		payloads = append(payloads, []byte(body))
	}
	for _, u := range profile.FeedURLs {
		if ctx.Err() != nil {
			break
		}
		body, err := sess.Fetch(ctx, u)
		if err != nil {
			log.Warn("pipeline: fetch feed", zap.String("url", u), zap.Error(err))
			continue
		}
		payloads = append(payloads, body)
	}

	seen := make(map[string]bool)
	var out []model.Record
	for _, payload := range payloads {
		res := chain.Extract(ctx, payload)
		log.Debug("pipeline: extracted",
			zap.String("strategy", res.Strategy),
			zap.Int("records", len(res.Records)),
			zap.Int("strategies_tried", len(res.Attempts)),
		)
		for _, r := range res.Records {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	return profile.Limit(out)
}

func (p *Pipeline) persistReplies(ctx context.Context, log *zap.Logger, items []model.EnrichedRecord) {
	var replies []model.Reply
	for _, it := range items {
		replies = append(replies, it.Replies...)
	}
	if len(replies) == 0 {
		return
	}
	n, err := p.store.UpsertReplies(ctx, replies)
	if err != nil {
		log.Warn("pipeline: persist replies", zap.Int("replies", len(replies)), zap.Error(err))
		return
	}
	log.Debug("pipeline: replies persisted", zap.Int64("inserted", n), zap.Int("replies", len(replies)))
}

// fail marks summary failed. The run is recorded only when the store has
// been migrated.
func (p *Pipeline) fail(ctx context.Context, summary *model.RunSummary, err error, record bool) *model.RunSummary {
	summary.Status = model.RunStatusFailed
	summary.Error = err.Error()
	summary.Finalize(p.now())
	if record {
		p.saveRun(context.WithoutCancel(ctx), zap.L(), summary)
	}
	return summary
}

func (p *Pipeline) finish(ctx context.Context, log *zap.Logger, summary *model.RunSummary) *model.RunSummary {
	summary.Finalize(p.now())
	p.saveRun(ctx, log, summary)

	fields := []zap.Field{
		zap.String("status", string(summary.Status)),
		zap.Int("records", summary.RecordCount),
		zap.Int("annotated", summary.AnnotatedCount),
		zap.Int("degraded", summary.DegradedCount),
		zap.Int("persisted", summary.PersistedCount),
		zap.Int64("duration_ms", summary.DurationMs),
	}
	if summary.Status == model.RunStatusComplete {
		log.Info("pipeline: run complete", fields...)
	} else {
		log.Warn("pipeline: run finished with issues", fields...)
	}
	return summary
}

func (p *Pipeline) saveRun(ctx context.Context, log *zap.Logger, summary *model.RunSummary) {
	if err := p.store.SaveRun(ctx, summary); err != nil {
		log.Warn("pipeline: save run summary", zap.String("run_id", summary.ID), zap.Error(err))
	}
}
