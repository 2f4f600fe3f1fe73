package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loomlabs/loom/core"
)

var errBoom = errors.New("connection refused")

func newTestBreaker(t *testing.T, clock func() time.Time) *CircuitBreaker {
	t.Helper()
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		HalfOpenRequests: 3,
		Clock:            clock,
	})
	if err != nil {
		t.Fatalf("NewCircuitBreaker failed: %v", err)
	}
	return cb
}

func TestCircuitBreakerTransitions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := newTestBreaker(t, func() time.Time { return now })
	ctx := context.Background()

	fail := func() error { return errBoom }
	succeed := func() error { return nil }

	// Three consecutive failures open the circuit.
	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: err = %v, want errBoom", i, err)
		}
	}
	if got := cb.GetState(); got != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}

	// Inside the timeout window calls fail fast without running fn.
	now = now.Add(30 * time.Second)
	ran := false
	err := cb.Execute(ctx, func() error { ran = true; return nil })
	if !errors.Is(err, core.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if ran {
		t.Fatal("function ran while circuit open")
	}

	// Past the timeout the next call is admitted as a half-open probe.
	now = now.Add(31 * time.Second)
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if got := cb.GetState(); got != StateHalfOpen {
		t.Fatalf("state after one probe success = %v, want half-open", got)
	}

	// Second consecutive success closes the circuit.
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("second probe failed: %v", err)
	}
	if got := cb.GetState(); got != StateClosed {
		t.Fatalf("state after 2 successes = %v, want closed", got)
	}
}

func TestCircuitBreakerHalfOpenReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := newTestBreaker(t, func() time.Time { return now })
	ctx := context.Background()

	fail := func() error { return errBoom }

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	now = now.Add(61 * time.Second)

	// Burn the probe budget without closing: success, failure, success.
	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, func() error { return nil })
	if got := cb.GetState(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after mixed probes", got)
	}

	// A failure after the probe budget is spent reopens the circuit.
	_ = cb.Execute(ctx, fail)
	if got := cb.GetState(); got != StateOpen {
		t.Fatalf("state = %v, want open after post-budget failure", got)
	}
}

func TestCircuitBreakerClassifierIgnoresUserErrors(t *testing.T) {
	cb := newTestBreaker(t, nil)
	ctx := context.Background()

	// Config and not-found errors never trip the breaker.
	for i := 0; i < 10; i++ {
		_ = cb.Execute(ctx, func() error { return core.ErrConfigMissing })
		_ = cb.Execute(ctx, func() error { return core.ErrActorNotFound })
	}
	if got := cb.GetState(); got != StateClosed {
		t.Fatalf("state = %v, want closed after user errors only", got)
	}
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(t, nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBoom })
	_ = cb.Execute(ctx, func() error { return errBoom })
	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errBoom })
	_ = cb.Execute(ctx, func() error { return errBoom })

	if got := cb.GetState(); got != StateClosed {
		t.Fatalf("state = %v, want closed (failures not consecutive)", got)
	}

	_ = cb.Execute(ctx, func() error { return errBoom })
	if got := cb.GetState(); got != StateOpen {
		t.Fatalf("state = %v, want open after third consecutive failure", got)
	}
}

func TestCircuitBreakerRecoversFromPanic(t *testing.T) {
	cb := newTestBreaker(t, nil)
	err := cb.Execute(context.Background(), func() error { panic("kaboom") })
	if err == nil {
		t.Fatal("expected error from panicking function")
	}
}

func TestCircuitBreakerStateChangeListeners(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := newTestBreaker(t, func() time.Time { return now })

	var mu sync.Mutex
	var transitions []string
	cb.OnStateChange(func(name string, from, to CircuitState) {
		mu.Lock()
		transitions = append(transitions, from.String()+">"+to.String())
		mu.Unlock()
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errBoom })
	}
	now = now.Add(61 * time.Second)
	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return nil })

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestForceOpenAndReset(t *testing.T) {
	cb := newTestBreaker(t, nil)
	cb.ForceOpen()
	if cb.CanExecute() {
		t.Fatal("CanExecute = true after ForceOpen")
	}
	cb.Reset()
	if !cb.CanExecute() {
		t.Fatal("CanExecute = false after Reset")
	}
}
