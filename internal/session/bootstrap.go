package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/community-pulse/internal/config"
	"github.com/sells-group/community-pulse/internal/model"
	"github.com/sells-group/community-pulse/internal/resilience"
	"github.com/sells-group/community-pulse/internal/source"
)

// ErrBootstrapFailed is matched by every error Bootstrap returns after
// exhausting its attempts.
var ErrBootstrapFailed = eris.New("session: bootstrap failed")

// BootstrapError reports a bootstrap that ended in StateFailed.
type BootstrapError struct {
	Source   model.SourceTag
	Attempts int
	History  []State
	Last     error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("session: bootstrap %s failed after %d attempts: %v", e.Source, e.Attempts, e.Last)
}

func (e *BootstrapError) Unwrap() error { return e.Last }

// Is matches ErrBootstrapFailed.
func (e *BootstrapError) Is(target error) bool { return target == ErrBootstrapFailed }

// State is always StateFailed.
func (e *BootstrapError) State() State { return StateFailed }

// Session is a verified browsing context owned by a single pipeline run.
type Session struct {
	Source     model.SourceTag
	State      State
	History    []State
	Attempts   int
	Diagnostic *Diagnostic

	driver    Driver
	closeOnce sync.Once
	closeErr  error
}

func (s *Session) transition(to State) {
	zap.L().Debug("session: state transition",
		zap.String("source", string(s.Source)),
		zap.Stringer("from", s.State),
		zap.Stringer("to", to),
	)
	s.State = to
	s.History = append(s.History, to)
}

// Driver returns the underlying driver.
func (s *Session) Driver() Driver { return s.driver }

// Fetch loads url through the session.
func (s *Session) Fetch(ctx context.Context, url string) ([]byte, error) {
	return s.driver.Fetch(ctx, url)
}

// Content returns the markup of the page the session is on.
func (s *Session) Content(ctx context.Context) (string, error) {
	return s.driver.Content(ctx)
}

// Close releases the driver. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.driver.Close()
	})
	return s.closeErr
}

// Options tunes the bootstrapper.
type Options struct {
	// MaxAttempts bounds how many times the state machine restarts from
	// Connecting.
	MaxAttempts int
	// Navigation wraps every entry-point navigation.
	Navigation resilience.RetryConfig
}

// Bootstrapper drives a fresh driver through the session state machine.
type Bootstrapper struct {
	profile         *source.Profile
	factory         DriverFactory
	opts            Options
	personalization *Personalization
}

// NewBootstrapper creates a Bootstrapper for profile.
func NewBootstrapper(profile *source.Profile, factory DriverFactory, opts Options) *Bootstrapper {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Navigation.OnRetry == nil {
		opts.Navigation.OnRetry = resilience.RetryLogger("session", "navigate")
	}
	return &Bootstrapper{profile: profile, factory: factory, opts: opts}
}

// WithPersonalization enables the personalization diagnostic on every
// successful bootstrap.
func (b *Bootstrapper) WithPersonalization(p *Personalization) *Bootstrapper {
	b.personalization = p
	return b
}

// Bootstrap opens a driver and walks it to StateReady. On failure the
// driver is closed and the error matches ErrBootstrapFailed, or
// config.ErrMissingConfig when the source demands a token none was
// configured for.
func (b *Bootstrapper) Bootstrap(ctx context.Context) (*Session, error) {
	p := b.profile
	if p.RequiresAuth && !p.HasCredentials() {
		return nil, eris.Wrapf(config.ErrMissingConfig, "session: %s requires %s", p.Tag, p.TokenKey)
	}

	drv, err := b.factory(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "session: open driver")
	}

	s := &Session{
		Source:  p.Tag,
		State:   StateUnauthenticated,
		History: []State{StateUnauthenticated},
		driver:  drv,
	}
	log := zap.L().With(zap.String("source", string(p.Tag)))

	var last error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			last = eris.Wrap(err, "session: bootstrap cancelled")
			break
		}
		s.Attempts = attempt

		last = b.attempt(ctx, s)
		if last == nil {
			s.transition(StateReady)
			log.Info("session: ready",
				zap.Int("attempts", attempt),
				zap.Bool("authenticated", p.HasCredentials()),
			)
			if b.personalization != nil {
				s.Diagnostic = b.personalization.Diagnose(ctx, p, s)
			}
			return s, nil
		}
		log.Warn("session: verification failed, restarting",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", b.opts.MaxAttempts),
			zap.Error(last),
		)
	}

	s.transition(StateFailed)
	if err := drv.Close(); err != nil {
		log.Debug("session: close driver", zap.Error(err))
	}
	return nil, &BootstrapError{
		Source:   p.Tag,
		Attempts: s.Attempts,
		History:  s.History,
		Last:     last,
	}
}

func (b *Bootstrapper) attempt(ctx context.Context, s *Session) error {
	p := b.profile

	s.transition(StateConnecting)
	err := resilience.Execute(ctx, b.opts.Navigation, func(ctx context.Context) error {
		return s.driver.Navigate(ctx, p.EntryURL)
	})
	if err != nil {
		return eris.Wrapf(err, "session: connect %s", p.EntryURL)
	}

	if p.HasCredentials() {
		if err := inject(ctx, s.driver, p); err != nil {
			return err
		}
		s.transition(StateCredentialInjected)
		if err := s.driver.Reload(ctx); err != nil {
			return eris.Wrap(err, "session: reload after injection")
		}
	}

	s.transition(StateVerifying)
	return verify(ctx, s.driver, p)
}

// inject writes the token to every surface the source might read it from.
// Sources disagree about which one they honour, so a single surface
// succeeding is enough.
func inject(ctx context.Context, d Driver, p *source.Profile) error {
	writes := []struct {
		surface string
		fn      func() error
	}{
		{"local_storage", func() error { return d.SetLocalStorage(ctx, p.TokenKey, p.Token) }},
		{"session_storage", func() error { return d.SetSessionStorage(ctx, p.TokenKey, p.Token) }},
		{"cookie", func() error {
			return d.SetCookie(ctx, Cookie{Name: p.TokenKey, Value: p.Token, Domain: p.CookieDomain, Path: "/"})
		}},
	}
	if p.SecondaryKey != "" && p.SecondaryToken != "" {
		writes = append(writes, struct {
			surface string
			fn      func() error
		}{"secondary_cookie", func() error {
			return d.SetCookie(ctx, Cookie{Name: p.SecondaryKey, Value: p.SecondaryToken, Domain: p.CookieDomain, Path: "/"})
		}})
	}

	var written int
	var lastErr error
	for _, w := range writes {
		if err := w.fn(); err != nil {
			lastErr = err
			zap.L().Warn("session: credential write failed",
				zap.String("source", string(p.Tag)),
				zap.String("surface", w.surface),
				zap.Error(err),
			)
			continue
		}
		written++
	}
	if written == 0 {
		return eris.Wrap(lastErr, "session: inject credential")
	}
	return nil
}

func verify(ctx context.Context, d Driver, p *source.Profile) error {
	body, err := d.Content(ctx)
	if err != nil {
		return eris.Wrap(err, "session: read page for verification")
	}

	if p.HasCredentials() {
		snap, err := d.Storage(ctx)
		if err != nil {
			return eris.Wrap(err, "session: read storage for verification")
		}
		if !snap.Has(p.TokenKey) {
			return ErrCredentialMissing
		}
	}

	challenged, kind := DetectChallenge(body)
	if len(p.AuthMarkers) > 0 {
		if HasMarker(body, p.AuthMarkers) {
			return nil
		}
		if challenged {
			return eris.Wrapf(ErrChallenged, "session: %s", kind)
		}
		return ErrMarkerMissing
	}
	if challenged {
		return eris.Wrapf(ErrChallenged, "session: %s", kind)
	}
	return nil
}
