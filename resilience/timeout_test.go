package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loomlabs/loom/core"
)

func TestWithTimeoutCompletesInTime(t *testing.T) {
	err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("WithTimeout failed: %v", err)
	}
}

func TestWithTimeoutExpires(t *testing.T) {
	start := time.Now()
	err := WithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("WithTimeout returned after %s, should return near the deadline", elapsed)
	}
}

func TestWithTimeoutReturnsEvenWhenWorkIgnoresContext(t *testing.T) {
	done := make(chan struct{})
	err := WithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		defer close(done)
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	// The abandoned goroutine still finishes on its own.
	<-done
}

func TestWithTimeoutPropagatesError(t *testing.T) {
	sentinel := errors.New("downstream failed")
	err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
}

func TestWithTimeoutZeroRunsInline(t *testing.T) {
	ran := false
	err := WithTimeout(context.Background(), 0, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("err = %v ran = %v", err, ran)
	}
}

func TestWithTimeoutCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithTimeout(ctx, time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
