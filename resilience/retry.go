package resilience

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loomlabs/loom/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// RetryableErrors is an optional allow-list of error substrings. When
	// non-empty, only errors whose message contains one of the substrings
	// (or that satisfy core.IsRetryable) are retried; anything else fails
	// immediately.
	RetryableErrors []string
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// RetriesExceededError reports that every attempt failed. It unwraps to both
// the last attempt's error and core.ErrMaxRetriesExceeded.
type RetriesExceededError struct {
	Attempts int
	LastErr  error
}

func (e *RetriesExceededError) Error() string {
	return fmt.Sprintf("max retry attempts (%d) exceeded: %v", e.Attempts, e.LastErr)
}

func (e *RetriesExceededError) Unwrap() []error {
	return []error{e.LastErr, core.ErrMaxRetriesExceeded}
}

// isRetryable applies the configured allow-list. An empty list retries
// everything not marked permanent.
func (c *RetryConfig) isRetryable(err error) bool {
	if core.IsPermanent(err) {
		return false
	}
	if len(c.RetryableErrors) == 0 {
		return true
	}
	if core.IsRetryable(err) {
		return true
	}
	msg := err.Error()
	for _, substr := range c.RetryableErrors {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// Delay returns the backoff before attempt n (1-based), capped at MaxDelay.
func (c *RetryConfig) Delay(attempt int) time.Duration {
	delay := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= c.Multiplier
		if delay >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	d := time.Duration(delay)
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// Retry executes fn up to MaxAttempts times with exponential backoff.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !config.isRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		timer := time.NewTimer(config.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &RetriesExceededError{Attempts: config.MaxAttempts, LastErr: lastErr}
}

// RetryWithCircuitBreaker combines retry logic with a circuit breaker. A
// fast rejection still consumes an attempt, so a later attempt may find the
// breaker half-open.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}
