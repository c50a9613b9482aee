package utils

import (
	"context"
	"math"
	"time"
)

// RetryConfig holds retry configuration.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// ShouldRetry decides whether a failed attempt is repeated. Nil retries everything.
	ShouldRetry func(error) bool
	// DelayFor may override the computed backoff for a specific error, e.g. a
	// server-provided Retry-After. Returning false keeps the backoff.
	DelayFor func(error) (time.Duration, bool)
	// OnRetry is called before each sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Retry executes fn with exponential backoff. The attempt number starts at zero.
func Retry(ctx context.Context, clock Clock, cfg RetryConfig, fn func(attempt int) error) error {
	_, err := RetryWithResult(ctx, clock, cfg, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

// RetryWithResult executes fn with exponential backoff and returns its result.
func RetryWithResult[T any](ctx context.Context, clock Clock, cfg RetryConfig, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	if clock == nil {
		clock = SystemClock{}
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return zero, err
		}

		// Don't sleep after the last attempt
		if attempt == attempts-1 {
			break
		}
		delay := CalculateBackoff(attempt, cfg.InitialDelay, cfg.MaxDelay, cfg.BackoffFactor)
		if cfg.DelayFor != nil {
			if d, ok := cfg.DelayFor(err); ok && d > 0 {
				delay = d
			}
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}
		if err := clock.Sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, lastErr
}

// CalculateBackoff calculates the backoff duration for a given attempt.
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		factor = 2
	}
	delay := float64(initialDelay) * math.Pow(factor, float64(attempt))
	if maxDelay > 0 && delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay)
}
