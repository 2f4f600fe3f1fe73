package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter is a token bucket: capacity tokens refilled continuously at
// capacity/period. Acquire suspends until enough tokens have accrued.
type RateLimiter struct {
	capacity   float64
	refillRate float64 // tokens per second

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	clock      func() time.Time
}

// NewRateLimiter creates a bucket allowing requests per period.
func NewRateLimiter(requests int, period time.Duration) (*RateLimiter, error) {
	if requests <= 0 {
		return nil, fmt.Errorf("rate limiter requests must be positive, got %d", requests)
	}
	if period <= 0 {
		return nil, fmt.Errorf("rate limiter period must be positive, got %s", period)
	}
	capacity := float64(requests)
	return &RateLimiter{
		capacity:   capacity,
		refillRate: capacity / period.Seconds(),
		tokens:     capacity,
		lastRefill: time.Now(),
		clock:      time.Now,
	}, nil
}

// SetClock overrides the time source. Tests only.
func (r *RateLimiter) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
	r.lastRefill = clock()
}

// refillLocked accrues tokens for the time elapsed since the last refill.
// Caller holds r.mu.
func (r *RateLimiter) refillLocked() {
	now := r.clock()
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.tokens += elapsed * r.refillRate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
	r.lastRefill = now
}

// TryAcquire takes n tokens without waiting, reporting whether it could.
func (r *RateLimiter) TryAcquire(n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked()
	if r.tokens >= float64(n) {
		r.tokens -= float64(n)
		return true
	}
	return false
}

// Acquire takes n tokens, suspending for (n - tokens) / refillRate when the
// bucket is short. Returns early with the context error on cancellation.
func (r *RateLimiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if float64(n) > r.capacity {
		return fmt.Errorf("requested %d tokens exceeds bucket capacity %.0f", n, r.capacity)
	}

	r.mu.Lock()
	r.refillLocked()
	deficit := float64(n) - r.tokens
	if deficit <= 0 {
		r.tokens -= float64(n)
		r.mu.Unlock()
		return nil
	}
	wait := time.Duration(deficit / r.refillRate * float64(time.Second))
	r.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked()
	if r.tokens < float64(n) {
		// Another acquirer won the accrued tokens while we slept. Take the
		// remainder as debt; the bucket goes briefly negative instead of
		// looping.
		r.tokens -= float64(n)
		return nil
	}
	r.tokens -= float64(n)
	return nil
}

// Wait returns how long Acquire(n) would currently suspend.
func (r *RateLimiter) Wait(n int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refillLocked()
	deficit := float64(n) - r.tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / r.refillRate * float64(time.Second))
}
