package session

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/sells-group/community-pulse/internal/config"
	"github.com/sells-group/community-pulse/internal/source"
)

// Diagnostic reports whether an authenticated session saw different content
// than an anonymous one. It is informational only.
type Diagnostic struct {
	Personalized  bool    `json:"personalized"`
	Overlap       float64 `json:"overlap"`
	Unique        int     `json:"unique"`
	SessionItems  int     `json:"sessionItems"`
	BaselineItems int     `json:"baselineItems"`
	Cached        bool    `json:"cached"`
	Error         string  `json:"error,omitempty"`
}

// Personalization compares a session's item set against an anonymous
// baseline. Baselines are cached per source.
type Personalization struct {
	cfg       config.PersonalizationConfig
	anonymous DriverFactory
	baselines *cache.Cache
}

// NewPersonalization creates the diagnostic. anonymous must open drivers
// without any credentials.
func NewPersonalization(cfg config.PersonalizationConfig, anonymous DriverFactory) *Personalization {
	ttl := time.Duration(cfg.CacheTTLMins) * time.Minute
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Personalization{
		cfg:       cfg,
		anonymous: anonymous,
		baselines: cache.New(ttl, 10*time.Minute),
	}
}

// Diagnose never fails; problems are reported in Diagnostic.Error.
func (p *Personalization) Diagnose(ctx context.Context, profile *source.Profile, s *Session) *Diagnostic {
	d := &Diagnostic{}
	log := zap.L().With(zap.String("source", string(profile.Tag)))

	body, err := s.Content(ctx)
	if err != nil {
		d.Error = err.Error()
		return d
	}
	current := p.itemSet(ctx, profile, []byte(body))

	baseline, cached, err := p.baseline(ctx, profile)
	if err != nil {
		d.Error = err.Error()
		log.Warn("session: personalization baseline unavailable", zap.Error(err))
		return d
	}

	*d = Compare(current, baseline, p.cfg.OverlapThreshold, p.cfg.MinUnique)
	d.Cached = cached
	log.Info("session: personalization diagnostic",
		zap.Bool("personalized", d.Personalized),
		zap.Float64("overlap", d.Overlap),
		zap.Int("unique", d.Unique),
		zap.Bool("cached_baseline", cached),
	)
	return d
}

// Compare computes the diagnostic for two item sets. Overlap is the share
// of the larger set present in both; unique counts session items missing
// from the baseline.
func Compare(current, baseline []string, overlapThreshold float64, minUnique int) Diagnostic {
	base := make(map[string]bool, len(baseline))
	for _, id := range baseline {
		base[id] = true
	}
	var shared, unique int
	for _, id := range current {
		if base[id] {
			shared++
		} else {
			unique++
		}
	}

	d := Diagnostic{
		Unique:        unique,
		SessionItems:  len(current),
		BaselineItems: len(baseline),
	}
	if denom := max(len(current), len(baseline)); denom > 0 {
		d.Overlap = float64(shared) / float64(denom)
	}
	d.Personalized = len(current) > 0 && (d.Overlap < overlapThreshold || (minUnique > 0 && unique >= minUnique))
	return d
}

func (p *Personalization) baseline(ctx context.Context, profile *source.Profile) ([]string, bool, error) {
	key := string(profile.Tag)
	if v, ok := p.baselines.Get(key); ok {
		if ids, ok := v.([]string); ok {
			return ids, true, nil
		}
	}

	drv, err := p.anonymous(ctx)
	if err != nil {
		return nil, false, err
	}
	defer drv.Close() //nolint:errcheck

	if err := drv.Navigate(ctx, profile.EntryURL); err != nil {
		return nil, false, err
	}
	body, err := drv.Content(ctx)
	if err != nil {
		return nil, false, err
	}
	ids := p.itemSet(ctx, profile, []byte(body))
	p.baselines.Set(key, ids, cache.DefaultExpiration)
	return ids, false, nil
}

func (p *Personalization) itemSet(ctx context.Context, profile *source.Profile, payload []byte) []string {
	res := profile.Chain().Extract(ctx, payload)
	n := len(res.Records)
	if p.cfg.SampleSize > 0 && n > p.cfg.SampleSize {
		n = p.cfg.SampleSize
	}
	ids := make([]string, 0, n)
	for _, r := range res.Records[:n] {
		ids = append(ids, r.ID)
	}
	return ids
}
