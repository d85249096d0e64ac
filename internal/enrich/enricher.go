// Package enrich turns records into structured annotations with a language
// model. Every failure degrades to model.DefaultAnnotation; nothing in this
// package aborts a run.
package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/community-pulse/internal/config"
	"github.com/sells-group/community-pulse/internal/model"
	"github.com/sells-group/community-pulse/internal/resilience"
	"github.com/sells-group/community-pulse/internal/source"
)

// Options tunes an Enricher.
type Options struct {
	Concurrency       int
	Interval          time.Duration
	Timeout           time.Duration
	MaxTokens         int
	Temperature       float64
	MaxDecodeAttempts int
	PromptReplies     int
	Retry             resilience.RetryConfig
	Breaker           resilience.CircuitBreakerConfig
	// Shared, when set, supplies the limiter and breaker instead of building
	// fresh ones, so every Enricher built from it draws on one request budget.
	Shared *Shared
}

// Shared is the process-wide model call budget: one rate limiter and one
// circuit breaker across all runs.
type Shared struct {
	Limiter *rate.Limiter
	Breaker *resilience.CircuitBreaker
}

// NewShared builds the limiter and breaker described by opts.
func NewShared(opts Options) *Shared {
	limit := rate.Inf
	if opts.Interval > 0 {
		limit = rate.Every(opts.Interval)
	}
	return &Shared{
		Limiter: rate.NewLimiter(limit, 1),
		Breaker: resilience.NewCircuitBreaker(opts.Breaker),
	}
}

// OptionsFromConfig maps the enrich config section onto Options.
func OptionsFromConfig(cfg config.EnrichConfig) Options {
	return Options{
		Concurrency:       cfg.Concurrency,
		Interval:          time.Duration(cfg.IntervalMs) * time.Millisecond,
		Timeout:           time.Duration(cfg.TimeoutSecs) * time.Second,
		MaxTokens:         cfg.MaxTokens,
		Temperature:       cfg.Temperature,
		MaxDecodeAttempts: cfg.MaxDecodeAttempts,
		PromptReplies:     cfg.PromptReplies,
		Retry: resilience.RetryConfig{
			MaxAttempts: cfg.CallAttempts,
			Delay:       time.Duration(cfg.CallRetryDelayMs) * time.Millisecond,
		},
		Breaker: resilience.CircuitBreakerConfig{
			Name:             "llm",
			FailureThreshold: cfg.BreakerThreshold,
			ResetTimeout:     time.Duration(cfg.BreakerResetSecs) * time.Second,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 1500
	}
	if o.MaxDecodeAttempts <= 0 {
		o.MaxDecodeAttempts = 2
	}
	if o.PromptReplies <= 0 {
		o.PromptReplies = 5
	}
	if o.Retry.OnRetry == nil {
		o.Retry.OnRetry = resilience.RetryLogger("llm", "complete")
	}
	if o.Retry.ShouldRetry == nil {
		o.Retry.ShouldRetry = retryableCall
	}
	return o
}

// Enricher annotates records from one source. It is safe for concurrent use;
// every call shares one rate limiter and one circuit breaker, which may in
// turn be shared with other Enrichers through Options.Shared.
type Enricher struct {
	llm     Completer
	profile *source.Profile
	opts    Options
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// New creates an Enricher for profile. Without opts.Shared it gets a
// limiter and breaker of its own.
func New(llm Completer, profile *source.Profile, opts Options) *Enricher {
	opts = opts.withDefaults()
	shared := opts.Shared
	if shared == nil {
		shared = NewShared(opts)
	}
	return &Enricher{
		llm:     llm,
		profile: profile,
		opts:    opts,
		limiter: shared.Limiter,
		breaker: shared.Breaker,
	}
}

// Annotate returns the annotation for rec, or the default annotation when
// enrichment fails for any reason.
func (e *Enricher) Annotate(ctx context.Context, rec model.Record, replies []model.Reply) model.Annotation {
	return e.AnnotateResult(ctx, rec, replies).Value
}

// AnnotateResult is Annotate with the reason for a fallback attached.
func (e *Enricher) AnnotateResult(ctx context.Context, rec model.Record, replies []model.Reply) resilience.Result[model.Annotation] {
	log := zap.L().With(zap.String("record_id", rec.ID), zap.String("source", string(rec.SourceTag)))

	prompt := BuildPrompt(e.profile, rec, replies, e.opts.PromptReplies)
	prompt.MaxTokens = e.opts.MaxTokens
	prompt.Temperature = e.opts.Temperature

	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxDecodeAttempts; attempt++ {
		completion, err := e.complete(ctx, prompt)
		if err != nil {
			log.Warn("enrich: completion failed, using default annotation",
				zap.String("kind", string(resilience.Classify(err))),
				zap.Error(err),
			)
			return resilience.Fallback(model.DefaultAnnotation(), "", err)
		}

		ann, err := Decode(completion.Text, e.profile.HasCategory)
		if err == nil {
			return resilience.OK(ann)
		}
		lastErr = err
		log.Debug("enrich: response rejected",
			zap.Int("attempt", attempt),
			zap.String("kind", string(resilience.Classify(err))),
			zap.Error(err),
		)
	}

	log.Warn("enrich: no valid annotation, using default",
		zap.Int("attempts", e.opts.MaxDecodeAttempts),
		zap.Error(lastErr),
	)
	return resilience.Fallback(model.DefaultAnnotation(), "", lastErr)
}

// complete performs one logical model call: limiter wait, circuit breaker
// and per-call timeout, retried on transient failures.
func (e *Enricher) complete(ctx context.Context, p Prompt) (Completion, error) {
	return resilience.ExecuteVal(ctx, e.opts.Retry, func(ctx context.Context) (Completion, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return Completion{}, err
		}
		return resilience.ExecuteBreaker(ctx, e.breaker, func(ctx context.Context) (Completion, error) {
			callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
			defer cancel()
			return e.llm.Complete(callCtx, p)
		})
	})
}

// AnnotateAll annotates items with bounded concurrency and returns them in
// input order. Once ctx is done no new record is started, and records whose
// call was interrupted are left out; finished records are still returned.
func (e *Enricher) AnnotateAll(ctx context.Context, items []model.EnrichedRecord) []model.EnrichedRecord {
	results := make([]*model.EnrichedRecord, len(items))

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)

	var mu sync.Mutex
	kinds := make(map[resilience.ErrorKind]int)

	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res := e.AnnotateResult(ctx, item.Record, item.Replies)
			if res.Kind == resilience.KindCancelled || (res.Degraded() && ctx.Err() != nil) {
				return nil
			}
			out := item
			out.Annotation = res.Value
			results[i] = &out

			mu.Lock()
			kinds[res.Kind]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.EnrichedRecord, 0, len(items))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}

	fields := []zap.Field{
		zap.Int("requested", len(items)),
		zap.Int("annotated", len(out)),
	}
	for k, n := range kinds {
		if k != resilience.KindNone {
			fields = append(fields, zap.Int("degraded_"+string(k), n))
		}
	}
	zap.L().Info("enrich: batch complete", fields...)
	return out
}

// retryableCall keeps retries for failures another attempt could fix.
func retryableCall(err error) bool {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return resilience.IsTransient(err)
	}
}
