package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrRetryExhausted matches any *RetryExhaustedError under errors.Is.
var ErrRetryExhausted = eris.New("retry exhausted")

// RetryExhaustedError is returned once every attempt has failed. It carries
// the last underlying error.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// Is reports true for ErrRetryExhausted so callers can match the terminal
// condition without unwrapping to the underlying cause.
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// RetryConfig controls fixed-delay retries.
type RetryConfig struct {
	// MaxAttempts is the total number of invocations, including the first.
	// Default: 3.
	MaxAttempts int

	// Delay is the fixed wait between attempts. Zero retries immediately.
	Delay time.Duration

	// ShouldRetry optionally restricts which errors are retried. If nil, every
	// error is retried.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with attempt number and error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig mirrors the upstream sources' tolerance: three tries,
// five seconds apart.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Delay:       5 * time.Second,
	}
}

// Execute runs fn up to cfg.MaxAttempts times, sequentially, sleeping
// cfg.Delay between attempts. When every attempt fails it returns a
// *RetryExhaustedError. Context cancellation stops retries immediately and
// returns the context error.
func Execute(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for operations that return a value.
func ExecuteVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, eris.Wrap(err, "retry: context done")
		}

		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, eris.Wrap(ctx.Err(), "retry: context done")
		}

		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return zero, err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		timer := time.NewTimer(cfg.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, eris.Wrap(ctx.Err(), "retry: context done")
		case <-timer.C:
		}
	}

	return zero, &RetryExhaustedError{Attempts: cfg.MaxAttempts, Last: lastErr}
}

// IsRetryExhausted reports whether err is (or wraps) a RetryExhaustedError.
func IsRetryExhausted(err error) bool {
	return errors.Is(err, ErrRetryExhausted)
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	return cfg
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
