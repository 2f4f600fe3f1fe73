package core

import (
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Actor-related errors
	ErrActorNotFound   = errors.New("actor not found")
	ErrActorEvicted    = errors.New("actor evicted")
	ErrInvalidActorRef = errors.New("invalid actor ref")
	ErrHandlerNotFound = errors.New("no handler registered for actor type")

	// Configuration errors
	ErrConfigMissing  = errors.New("required configuration missing")
	ErrConfigInvalid  = errors.New("configuration failed validation")
	ErrInvalidKeyPath = errors.New("invalid key path")

	// Authorization
	ErrUnauthorized = errors.New("unauthorized")

	// Lease errors
	ErrLeaseHeld    = errors.New("lease held by another worker")
	ErrLeaseExpired = errors.New("lease expired or not held")

	// Queue and job errors
	ErrJobNotFound = errors.New("job not found")
	ErrQueueClosed = errors.New("queue closed")
	ErrJobDead     = errors.New("job moved to dead letter")

	// Memory errors
	ErrMemoryItemNotFound = errors.New("memory item not found")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrTransient          = errors.New("transient dependency failure")
	ErrPermanent          = errors.New("permanent dependency failure")

	// State errors
	ErrAlreadyStarted    = errors.New("already started")
	ErrNotInitialized    = errors.New("not initialized")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// PlatformError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type PlatformError struct {
	Op      string // Operation that failed (e.g., "queue.Publish")
	Kind    string // Error kind (e.g., "queue", "lease", "config")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *PlatformError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *PlatformError) Unwrap() error {
	return e.Err
}

// NewPlatformError creates a new PlatformError
func NewPlatformError(op, kind string, err error) *PlatformError {
	return &PlatformError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// ConfigMissingError is returned when a required key resolves at no fallback
// level. The message enumerates every path tried.
type ConfigMissingError struct {
	Key           string
	SearchedPaths []string
}

func (e *ConfigMissingError) Error() string {
	return fmt.Sprintf("no value for %q at any fallback level (searched: %s)",
		e.Key, strings.Join(e.SearchedPaths, ", "))
}

func (e *ConfigMissingError) Unwrap() error {
	return ErrConfigMissing
}

// IsRetryable checks if an error is retryable
// Retryable errors are typically transient network or availability issues
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrLeaseHeld)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrActorNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrMemoryItemNotFound)
}

// IsConfigError checks if an error is configuration-related
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfigMissing) ||
		errors.Is(err, ErrConfigInvalid) ||
		errors.Is(err, ErrInvalidKeyPath)
}

// IsStateError checks if an error is related to invalid state transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsPermanent reports whether an error must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) ||
		errors.Is(err, ErrUnauthorized) ||
		IsConfigError(err)
}

// redactable lists the sentinels whose text may appear in published failure
// messages. Anything outside the list is reduced to a generic message.
var redactable = []error{
	ErrActorNotFound, ErrActorEvicted, ErrInvalidActorRef, ErrHandlerNotFound,
	ErrConfigMissing, ErrConfigInvalid, ErrInvalidKeyPath,
	ErrUnauthorized,
	ErrLeaseHeld, ErrLeaseExpired,
	ErrJobNotFound, ErrQueueClosed, ErrJobDead,
	ErrMemoryItemNotFound, ErrDimensionMismatch,
	ErrTimeout, ErrContextCanceled, ErrMaxRetriesExceeded,
	ErrCircuitOpen, ErrTransient, ErrPermanent,
	ErrAlreadyStarted, ErrNotInitialized, ErrInvalidTransition,
}

// RedactError maps err to a message safe to publish to observers. The wrapped
// chain can carry connection strings and driver detail, so only the platform
// taxonomy survives: a PlatformError's operation name plus the matching
// sentinel text, or "internal error" when neither applies.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	var sentinel string
	for _, s := range redactable {
		if errors.Is(err, s) {
			sentinel = s.Error()
			break
		}
	}
	var pe *PlatformError
	if errors.As(err, &pe) && pe.Op != "" {
		if sentinel != "" {
			return pe.Op + ": " + sentinel
		}
		return pe.Op + " failed"
	}
	if sentinel != "" {
		return sentinel
	}
	return "internal error"
}

// ErrorKind maps an error to the taxonomy recorded in queue metadata and
// failure events.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfigMissing):
		return "config_missing"
	case errors.Is(err, ErrConfigInvalid), errors.Is(err, ErrInvalidKeyPath):
		return "config_invalid"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrPermanent):
		return "permanent"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "unclassified"
	}
}
