package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/community-pulse/internal/config"
	"github.com/sells-group/community-pulse/internal/enrich"
	"github.com/sells-group/community-pulse/internal/fetcher"
	"github.com/sells-group/community-pulse/internal/model"
	"github.com/sells-group/community-pulse/internal/pipeline"
	"github.com/sells-group/community-pulse/internal/resilience"
	"github.com/sells-group/community-pulse/internal/session"
	"github.com/sells-group/community-pulse/internal/source"
	"github.com/sells-group/community-pulse/internal/store"
)

// pipelineEnv holds the store and pipeline shared by the run, serve and
// maintenance commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// envOptions selects what initPipeline validates and wires.
type envOptions struct {
	// Source is validated for required credentials. Empty skips the check.
	Source model.SourceTag
	// WithLLM builds the language model client; it is not needed for
	// backfills and diagnostics.
	WithLLM bool
	// Personalization forces the diagnostic on regardless of config.
	Personalization bool
}

// initPipeline validates cfg and builds the store, registry, session
// drivers and pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, opts envOptions) (*pipelineEnv, error) {
	if opts.WithLLM {
		if err := cfg.Validate(opts.Source); err != nil {
			return nil, err
		}
	}

	reg, err := source.NewRegistry(cfg)
	if err != nil {
		return nil, err
	}

	var llm enrich.Completer
	if opts.WithLLM {
		llm, err = enrich.NewCompleter(cfg.LLM)
		if err != nil {
			return nil, err
		}
	}

	drivers, err := driverFactory(cfg)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	var pipeOpts []pipeline.Option
	if pz := newPersonalization(cfg, opts.Personalization, drivers); pz != nil {
		pipeOpts = append(pipeOpts, pipeline.WithPersonalization(pz))
	}

	return &pipelineEnv{
		Store:    st,
		Pipeline: pipeline.New(cfg, st, reg, llm, drivers, pipeOpts...),
	}, nil
}

// newPersonalization returns nil unless the diagnostic is enabled. Baselines
// open the configured session driver so both sides render the entry page the
// same way; only the credentials differ.
func newPersonalization(c *config.Config, force bool, drivers session.DriverFactory) *session.Personalization {
	if !c.Session.Personalization.Enabled && !force {
		return nil
	}
	return session.NewPersonalization(c.Session.Personalization, drivers)
}

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

// driverFactory picks the session driver named by session.driver.
func driverFactory(c *config.Config) (session.DriverFactory, error) {
	switch c.Session.Driver {
	case "http", "":
		return session.HTTPDriverFactory(fetcherOptions(c)), nil
	case "chrome":
		return session.ChromeDriverFactory(session.ChromeOptions{
			Headless:  c.Session.Headless,
			UserAgent: c.Session.UserAgent,
			ProxyURL:  c.Session.ProxyURL,
			Settle:    time.Duration(c.Session.SettleMs) * time.Millisecond,
			Timeout:   time.Duration(c.Fetch.TimeoutSecs) * time.Second,
		}), nil
	default:
		return nil, eris.Errorf("unsupported session driver: %s", c.Session.Driver)
	}
}

func fetcherOptions(c *config.Config) fetcher.HTTPOptions {
	return fetcher.HTTPOptions{
		UserAgent: c.Session.UserAgent,
		Timeout:   time.Duration(c.Fetch.TimeoutSecs) * time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts: c.Fetch.MaxAttempts,
			Delay:       time.Duration(c.Fetch.RetryDelayMs) * time.Millisecond,
		},
		Interval: time.Duration(c.Fetch.RequestIntervalMs) * time.Millisecond,
		ProxyURL: c.Session.ProxyURL,
	}
}

// parseSource reads the --source flag value.
func parseSource(s string) (model.SourceTag, error) {
	if s == "" {
		return "", eris.New("--source is required (linuxdo, reddit, heybox)")
	}
	return model.ParseSourceTag(s)
}
