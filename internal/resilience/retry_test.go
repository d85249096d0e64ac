package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecute_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Execute(context.Background(), RetryConfig{MaxAttempts: 3}, func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestExecute_SuccessAfterRetry(t *testing.T) {
	var calls int
	cfg := RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}

	err := Execute(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestExecute_ExhaustsExactlyMaxAttempts(t *testing.T) {
	var calls int
	boom := errors.New("always fails")
	cfg := RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}

	err := Execute(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return boom
	})
	if calls != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", calls)
	}
	if !IsRetryExhausted(err) {
		t.Fatalf("expected retry exhausted error, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected exhausted error to wrap last error")
	}

	var re *RetryExhaustedError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RetryExhaustedError, got %T", err)
	}
	if re.Attempts != 3 {
		t.Errorf("expected Attempts=3, got %d", re.Attempts)
	}
}

func TestExecute_ShouldRetryFalseStopsEarly(t *testing.T) {
	var calls int
	permanent := errors.New("bad request")
	cfg := RetryConfig{
		MaxAttempts: 5,
		Delay:       time.Millisecond,
		ShouldRetry: IsTransient,
	}

	err := Execute(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return permanent
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !errors.Is(err, permanent) {
		t.Errorf("expected raw error, got %v", err)
	}
	if IsRetryExhausted(err) {
		t.Errorf("non-retryable error must not report exhaustion")
	}
}

func TestExecute_FixedDelay(t *testing.T) {
	var stamps []time.Time
	cfg := RetryConfig{MaxAttempts: 3, Delay: 20 * time.Millisecond}

	_ = Execute(context.Background(), cfg, func(_ context.Context) error {
		stamps = append(stamps, time.Now())
		return errors.New("fail")
	})
	if len(stamps) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(stamps))
	}
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		if gap < 20*time.Millisecond {
			t.Errorf("gap %d too short: %s", i, gap)
		}
		if gap > 500*time.Millisecond {
			t.Errorf("gap %d unexpectedly long: %s", i, gap)
		}
	}
}

func TestExecute_ContextCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	cfg := RetryConfig{MaxAttempts: 5, Delay: time.Second}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Execute(ctx, cfg, func(_ context.Context) error {
		calls.Add(1)
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("cancellation did not interrupt the delay")
	}
}

func TestExecute_OnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := RetryConfig{
		MaxAttempts: 3,
		Delay:       time.Millisecond,
		OnRetry: func(attempt int, _ error) {
			attempts = append(attempts, attempt)
		},
	}

	_ = Execute(context.Background(), cfg, func(_ context.Context) error {
		return errors.New("fail")
	})
	if len(attempts) != 2 {
		t.Fatalf("expected 2 OnRetry calls, got %d", len(attempts))
	}
	if attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("unexpected attempt numbers: %v", attempts)
	}
}

func TestExecuteVal_ReturnsValue(t *testing.T) {
	var calls int
	val, err := ExecuteVal(context.Background(), RetryConfig{MaxAttempts: 2}, func(_ context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("first fails")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "ok" {
		t.Errorf("expected ok, got %q", val)
	}
}

func TestExecuteVal_DefaultsToThreeAttempts(t *testing.T) {
	var calls int
	_, err := ExecuteVal(context.Background(), RetryConfig{}, func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("fail")
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if !IsRetryExhausted(err) {
		t.Errorf("expected exhaustion, got %v", err)
	}
}
