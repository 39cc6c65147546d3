// Package resilience provides retry and circuit-breaking primitives used
// around Redis operations and side-effect adapter calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/driptide/driptide/core"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry executes a function with exponential backoff.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		// Jitter prevents synchronized retries across replicas
		// (thundering herd mitigation).
		if config.JitterEnabled {
			jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
			delay += jitter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	// Join keeps the last attempt's error matchable through errors.Is
	// alongside the exhaustion sentinel.
	return fmt.Errorf("max retry attempts (%d) exceeded: %w", config.MaxAttempts, errors.Join(core.ErrMaxRetriesExceeded, lastErr))
}

// BackoffDelay computes the delay before the given retry attempt
// (1-based) for a base delay with exponential growth. Used by the queue to
// schedule delayed re-enqueues without sleeping.
func BackoffDelay(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if max > 0 && d > max {
		d = max
	}
	return d
}

// RetryWithCircuitBreaker combines retry logic with a circuit breaker:
// each attempt runs under the breaker, and an open breaker fails the
// attempt with ErrCircuitOpen.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}
