package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %v, want 3", cfg.MaxAttempts)
	}
	if cfg.InitialInterval != 100*time.Millisecond {
		t.Errorf("InitialInterval = %v, want 100ms", cfg.InitialInterval)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
}

func TestRetry_Success(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func(ctx context.Context) error {
		attempts++
		return nil
	})
	if err != nil {
		t.Errorf("Retry() error = %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %v, want 1", attempts)
	}
}

func TestRetry_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("server selection timeout")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Retry() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %v, want 3", attempts)
	}
}

func TestRetry_AllFail(t *testing.T) {
	testErr := errors.New("connection refused")
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func(ctx context.Context) error {
		attempts++
		return testErr
	})
	if !errors.Is(err, testErr) {
		t.Errorf("Retry() error = %v, want %v", err, testErr)
	}
	if attempts != 3 {
		t.Errorf("attempts = %v, want 3", attempts)
	}
}

func TestRetry_NoRetry(t *testing.T) {
	attempts := 0
	_ = Retry(context.Background(), NoRetry(), func(ctx context.Context) error {
		attempts++
		return errors.New("boom")
	})
	if attempts != 1 {
		t.Errorf("attempts = %v, want 1", attempts)
	}
}

func TestRetry_RetryableErrorsUsesErrorsIs(t *testing.T) {
	transient := errors.New("transient")
	cfg := fastConfig()
	cfg.RetryableErrors = []error{transient}

	attempts := 0
	_ = Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return fmt.Errorf("dial: %w", transient)
	})
	if attempts != 3 {
		t.Errorf("wrapped retryable error: attempts = %v, want 3", attempts)
	}

	attempts = 0
	_ = Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return errors.New("auth failed")
	})
	if attempts != 1 {
		t.Errorf("non-retryable error: attempts = %v, want 1", attempts)
	}
}

func TestRetry_PredicateWins(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryableErrors = []error{errors.New("never matched")}
	cfg.Retryable = func(error) bool { return true }

	attempts := 0
	_ = Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return errors.New("x")
	})
	if attempts != 3 {
		t.Errorf("attempts = %v, want 3", attempts)
	}
}

func TestRetry_ContextErrorsAreNotRetried(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func(ctx context.Context) error {
		attempts++
		return context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Retry() error = %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %v, want 1", attempts)
	}
}

func TestRetry_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Retry(ctx, fastConfig(), func(ctx context.Context) error {
		attempts++
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() error = %v, want context.Canceled", err)
	}
	if attempts != 0 {
		t.Errorf("attempts = %v, want 0", attempts)
	}
}

func TestRetry_CancelDuringBackoff(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: time.Second, Multiplier: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Retry(ctx, cfg, func(ctx context.Context) error {
		return errors.New("down")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Retry() error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Retry() did not stop sleeping when the context ended")
	}
}

func TestRetry_OnRetry(t *testing.T) {
	var seen []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		seen = append(seen, attempt)
	}

	_ = Retry(context.Background(), cfg, func(ctx context.Context) error {
		return errors.New("down")
	})
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", seen)
	}
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), fastConfig(), func(ctx context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("not yet")
		}
		return "primary", nil
	})
	if err != nil {
		t.Fatalf("RetryWithResult() error = %v", err)
	}
	if got != "primary" {
		t.Errorf("RetryWithResult() = %q, want primary", got)
	}
}

func TestRetryWithResult_NilConfig(t *testing.T) {
	got, err := RetryWithResult(context.Background(), nil, func(ctx context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || got != 7 {
		t.Errorf("RetryWithResult() = %v, %v", got, err)
	}
}

func TestCalculateInterval(t *testing.T) {
	base := 100 * time.Millisecond

	cfg := &RetryConfig{RandomizationFactor: 0}
	if got := calculateInterval(base, cfg); got != base {
		t.Errorf("calculateInterval() = %v, want %v", got, base)
	}

	cfg.RandomizationFactor = 0.5
	for i := 0; i < 50; i++ {
		got := calculateInterval(base, cfg)
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("calculateInterval() = %v, outside [50ms, 150ms]", got)
		}
	}
}

func TestNextBackoffInterval_Caps(t *testing.T) {
	cfg := &RetryConfig{Multiplier: 10, MaxInterval: 50 * time.Millisecond}
	_, next := nextBackoffInterval(10*time.Millisecond, cfg)
	if next != 50*time.Millisecond {
		t.Errorf("next = %v, want 50ms", next)
	}
}

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{1, 100 * time.Millisecond, 125 * time.Millisecond},
		{2, 200 * time.Millisecond, 250 * time.Millisecond},
		{3, 400 * time.Millisecond, 500 * time.Millisecond},
		{10, time.Second, 1250 * time.Millisecond},
	}
	for _, tt := range tests {
		got := ExponentialBackoff(tt.attempt, 100*time.Millisecond, time.Second)
		if got < tt.min || got > tt.max {
			t.Errorf("ExponentialBackoff(%d) = %v, want [%v, %v]", tt.attempt, got, tt.min, tt.max)
		}
	}
}
