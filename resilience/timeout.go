package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/loomlabs/loom/core"
)

// WithTimeout races fn against a deadline. The contract is about returning:
// when the deadline passes the call fails with core.ErrTimeout even though
// fn may still be running. fn should honor the derived context to stop early.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic during timed operation: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("operation exceeded %s deadline: %w", timeout, core.ErrTimeout)
		}
		return ctx.Err()
	}
}
