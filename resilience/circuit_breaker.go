// Package resilience provides the protection primitives the runtime wraps
// around external calls: retry with backoff, timeouts, a circuit breaker,
// and a token-bucket rate limiter.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/loomlabs/loom/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector interface for circuit breaker metrics
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier determines which errors count toward breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure errors only. Caller mistakes
// (bad config, unknown entities, invalid state transitions) and client
// cancellation never trip the breaker.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigError(err) {
		return false
	}
	if core.IsNotFound(err) {
		return false
	}
	if core.IsStateError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker, typically an actor type or
	// dependency name
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the circuit
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in half-open
	// that closes the circuit
	SuccessThreshold int

	// Timeout is how long the circuit stays open before admitting a probe
	Timeout time.Duration

	// HalfOpenRequests is the probe budget: once this many half-open
	// attempts have been admitted without closing, the next counted
	// failure reopens the circuit
	HalfOpenRequests int

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for circuit breaker events
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector

	// Clock overrides the time source. Tests only; nil means time.Now.
	Clock func() time.Time
}

// DefaultCircuitBreakerConfig returns a production-ready default configuration
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenRequests: 3,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate checks the configuration for invalid values
func (c *CircuitBreakerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("circuit breaker name is required")
	}
	if c.FailureThreshold < 0 {
		return fmt.Errorf("failure threshold must not be negative, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 0 {
		return fmt.Errorf("success threshold must not be negative, got %d", c.SuccessThreshold)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	if c.HalfOpenRequests < 0 {
		return fmt.Errorf("half-open requests must not be negative, got %d", c.HalfOpenRequests)
	}
	return nil
}

// CircuitBreaker tracks consecutive failures and successes and fails fast
// while open. State transitions: closed to open after FailureThreshold
// consecutive counted failures; open to half-open once Timeout has elapsed;
// half-open to closed after SuccessThreshold consecutive successes;
// half-open back to open when the probe budget is spent and a counted
// failure arrives.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	clock  func() time.Time

	mu               sync.Mutex
	state            CircuitState
	openedAt         time.Time
	failures         int // consecutive counted failures while closed
	halfOpenAdmitted int
	halfOpenSuccess  int // consecutive successes while half-open

	listeners []func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a circuit breaker from config
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	if err := config.Validate(); err != nil {
		if config.Logger != nil {
			config.Logger.Error("Circuit breaker configuration validation failed", map[string]interface{}{
				"operation": "circuit_breaker_validation_failed",
				"name":      config.Name,
				"error":     err.Error(),
			})
		}
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	// Apply defaults for missing values
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 3
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}

	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	cb := &CircuitBreaker{
		config: config,
		clock:  clock,
		state:  StateClosed,
	}

	config.Logger.Info("Circuit breaker created", map[string]interface{}{
		"operation":          "circuit_breaker_created",
		"name":               config.Name,
		"failure_threshold":  config.FailureThreshold,
		"success_threshold":  config.SuccessThreshold,
		"timeout_ms":         config.Timeout.Milliseconds(),
		"half_open_requests": config.HalfOpenRequests,
	})

	return cb, nil
}

// SetLogger sets the logger. The component is always loom/resilience so log
// attribution is stable regardless of which subsystem owns the breaker.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		cb.config.Logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		cb.config.Logger = cal.WithComponent("loom/resilience")
	} else {
		cb.config.Logger = logger
	}
}

// OnStateChange registers a listener invoked after every state transition
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// GetState returns the current state, applying the open-to-half-open
// transition when the timeout has elapsed
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeProbeLocked()
	return cb.state
}

// CanExecute reports whether a call would be admitted right now
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeProbeLocked()
	return cb.state != StateOpen
}

// maybeProbeLocked moves open to half-open once Timeout has elapsed.
// Caller holds cb.mu.
func (cb *CircuitBreaker) maybeProbeLocked() {
	if cb.state == StateOpen && cb.clock().Sub(cb.openedAt) > cb.config.Timeout {
		cb.transitionLocked(StateHalfOpen)
	}
}

// Execute runs fn with circuit breaker protection. A rejected call fails
// fast with core.ErrCircuitOpen and never invokes fn. Panics in fn are
// recovered and counted as failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !cb.admit() {
		cb.config.Logger.Info("Circuit breaker rejected execution", map[string]interface{}{
			"operation": "circuit_breaker_reject",
			"name":      cb.config.Name,
			"state":     cb.GetState().String(),
		})
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, core.ErrCircuitOpen)
	}

	err := cb.run(fn)
	if err != nil {
		cb.RecordFailure(err)
		return err
	}
	cb.RecordSuccess()
	return nil
}

// run invokes fn, converting a panic into an error so the breaker and the
// caller both observe the failure.
func (cb *CircuitBreaker) run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			cb.config.Logger.Error("Circuit breaker caught panic", map[string]interface{}{
				"operation": "circuit_breaker_panic",
				"name":      cb.config.Name,
				"panic":     fmt.Sprintf("%v", r),
			})
			err = fmt.Errorf("panic in circuit breaker %q: %v\n%s", cb.config.Name, r, stack)
		}
	}()
	return fn()
}

// admit decides whether a call may proceed, counting half-open probes
func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeProbeLocked()
	switch cb.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		cb.halfOpenAdmitted++
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.config.Metrics.RecordSuccess(cb.config.Name)

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.config.SuccessThreshold {
			cb.transitionLocked(StateClosed)
		}
	}
}

// RecordFailure records a failed call. Errors the classifier rejects do not
// count toward thresholds.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if !cb.config.ErrorClassifier(err) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.config.Metrics.RecordFailure(cb.config.Name, core.ErrorKind(err))

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.halfOpenSuccess = 0
		if cb.halfOpenAdmitted >= cb.config.HalfOpenRequests {
			cb.transitionLocked(StateOpen)
		}
	}
}

// ForceOpen trips the breaker manually
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		cb.transitionLocked(StateOpen)
	}
}

// Reset returns the breaker to closed and clears all counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		cb.transitionLocked(StateClosed)
	}
	cb.failures = 0
}

// transitionLocked performs a state change. Caller holds cb.mu.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	switch to {
	case StateOpen:
		cb.openedAt = cb.clock()
	case StateHalfOpen:
		cb.halfOpenAdmitted = 0
		cb.halfOpenSuccess = 0
	case StateClosed:
		cb.failures = 0
		cb.halfOpenAdmitted = 0
		cb.halfOpenSuccess = 0
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_state_change",
		"name":      cb.config.Name,
		"from":      from.String(),
		"to":        to.String(),
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, from.String(), to.String())

	for _, fn := range cb.listeners {
		fn(cb.config.Name, from, to)
	}
}
