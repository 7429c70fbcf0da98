package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig controls how connection attempts back off.
type RetryConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`

	// RetryableErrors limits retries to errors matching one of these targets.
	RetryableErrors []error `mapstructure:"-"`
	// Retryable, when set, takes precedence over RetryableErrors.
	Retryable func(error) bool `mapstructure:"-"`
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, wait time.Duration) `mapstructure:"-"`
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:         3,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// NoRetry runs the function exactly once.
func NoRetry() *RetryConfig {
	return &RetryConfig{MaxAttempts: 1}
}

func (c *RetryConfig) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if c.Retryable != nil {
		return c.Retryable(err)
	}
	if len(c.RetryableErrors) == 0 {
		return true
	}
	for _, target := range c.RetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// nextBackoffInterval advances the exponential backoff interval and returns the sleep duration
func nextBackoffInterval(current time.Duration, config *RetryConfig) (sleep, next time.Duration) {
	sleep = calculateInterval(current, config)
	next = time.Duration(float64(current) * config.Multiplier)
	if config.MaxInterval > 0 && next > config.MaxInterval {
		next = config.MaxInterval
	}
	return sleep, next
}

// Retry executes fn until it succeeds, returns a non-retryable error or
// runs out of attempts.
func Retry(ctx context.Context, config *RetryConfig, fn func(context.Context) error) error {
	_, err := RetryWithResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult executes a function with retry logic and returns a result
func RetryWithResult[T any](ctx context.Context, config *RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		result  T
		lastErr error
	)
	interval := config.InitialInterval

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result, lastErr = fn(ctx)
		if lastErr == nil {
			return result, nil
		}
		if !config.retryable(lastErr) || attempt == attempts {
			return result, lastErr
		}

		sleepDur, next := nextBackoffInterval(interval, config)
		if config.OnRetry != nil {
			config.OnRetry(attempt, lastErr, sleepDur)
		}
		timer := time.NewTimer(sleepDur)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
		interval = next
	}

	return result, lastErr
}

func calculateInterval(base time.Duration, config *RetryConfig) time.Duration {
	if config.RandomizationFactor == 0 {
		return base
	}

	delta := config.RandomizationFactor * float64(base)
	minInterval := float64(base) - delta
	maxInterval := float64(base) + delta

	return time.Duration(minInterval + (rand.Float64() * (maxInterval - minInterval)))
}

// ExponentialBackoff calculates exponential backoff duration
func ExponentialBackoff(attempt int, baseDelay time.Duration, maxDelay time.Duration) time.Duration {
	delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxDelay {
		delay = maxDelay
	}

	// 0-25% jitter
	jitter := time.Duration(rand.Float64() * 0.25 * float64(delay))
	return delay + jitter
}
