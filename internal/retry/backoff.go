// Package retry implements exponential backoff with jitter, used by DS's
// busy-retry write path (§5) and SCE's connect/TLS/AUTH-transient retry
// policy (§4.4).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// BackoffConfig parameterizes one retry policy.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
	OperationName   string
}

// DefaultBackoffConfig is a moderate general-purpose policy.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// ExponentialBackoff returns a function computing the delay before the given
// attempt number (1-indexed), capped at MaxInterval and optionally jittered
// to half-plus-random-half, to avoid thundering-herd retries.
func ExponentialBackoff(cfg BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return cfg.InitialInterval
		}
		interval := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt-1))
		if interval > float64(cfg.MaxInterval) {
			interval = float64(cfg.MaxInterval)
		}
		duration := time.Duration(interval)
		if cfg.Jitter && duration > 0 {
			jitter := time.Duration(rand.Int63n(int64(duration/2) + 1))
			duration = duration/2 + jitter
		}
		return duration
	}
}

// RetryableFunc is a unit of work that may fail transiently.
type RetryableFunc func() error

// WithRetry runs fn, retrying up to cfg.MaxRetries times with exponential
// backoff between attempts. Context cancellation aborts immediately.
func WithRetry(ctx context.Context, fn RetryableFunc, cfg BackoffConfig) error {
	backoff := ExponentialBackoff(cfg)

	var lastErr error
	var attempts int
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}
		if err := fn(); err != nil {
			lastErr = err
			if IsStopError(err) {
				var stopErr StopError
				errors.As(err, &stopErr)
				return stopErr.Err
			}
			if attempt < cfg.MaxRetries {
				continue
			}
		} else {
			return nil
		}
	}
	return fmt.Errorf("operation %q failed after %d attempts: %w", cfg.OperationName, attempts, lastErr)
}

// StopError marks an error as non-retryable (e.g. a permanent 5xx), so
// WithRetry returns immediately instead of exhausting its attempt budget.
type StopError struct{ Err error }

func (s StopError) Error() string { return s.Err.Error() }
func (s StopError) Unwrap() error { return s.Err }

// Stop wraps err so WithRetry treats it as terminal.
func Stop(err error) error { return StopError{Err: err} }

// IsStopError reports whether err (or one it wraps) is a StopError.
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}
