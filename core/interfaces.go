package core

import (
	"context"
	"encoding/json"
	"time"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentAwareLogger can derive a logger attributed to a subsystem.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry interface - optional telemetry support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// StateStore persists actor records. Records are opaque structured values;
// the store never interprets journals or state.
type StateStore interface {
	Load(ctx context.Context, ref ActorRef) (*ActorRecord, error)
	Save(ctx context.Context, ref ActorRef, record *ActorRecord) error
	Delete(ctx context.Context, ref ActorRef) error
	// Keys lists every persisted actor ref, used for recovery sweeps.
	Keys(ctx context.Context) ([]ActorRef, error)
}

// Lease is an exclusive TTL-bounded claim on a resource. Acquire returns
// ErrLeaseHeld when another holder owns the resource.
type Lease interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration) (leaseID string, err error)
	Renew(ctx context.Context, resource, leaseID string, ttl time.Duration) error
	Release(ctx context.Context, resource, leaseID string) error
}

// JobHandler processes one dequeued job. Returning an error NACKs the job
// and schedules a retry per the queue's retry policy.
type JobHandler func(ctx context.Context, job *QueueJob) error

// PublishOptions tune a single publish.
type PublishOptions struct {
	MaxAttempts int
	Delay       time.Duration
	Priority    int
}

// Subscription is a handle on an active consumer.
type Subscription interface {
	// Unsubscribe stops delivery and waits for in-flight handlers to return.
	Unsubscribe(ctx context.Context) error
	Queue() string
}

// Queue is the durable queue port: at-least-once, FIFO within a queue.
type Queue interface {
	Publish(ctx context.Context, queue string, payload json.RawMessage, opts *PublishOptions) (jobID string, err error)
	Consume(ctx context.Context, queue string, handler JobHandler) (Subscription, error)
	Ack(ctx context.Context, jobID string) error
	// Fail records a failed attempt. When retry is true and attempts remain,
	// the job is re-enqueued with backoff and the new job ID is returned;
	// otherwise the job is moved to the dead letter set and "" is returned.
	Fail(ctx context.Context, jobID string, failure error, retry bool) (newJobID string, err error)
}

// QueueStats are derived from the metadata store, never from the queue itself.
type QueueStats struct {
	TotalJobs     int64 `json:"total_jobs"`
	WaitingJobs   int64 `json:"waiting_jobs"`
	ActiveJobs    int64 `json:"active_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
}

// QueueMetadata records every job transition for inspection and stats.
type QueueMetadata interface {
	RecordJob(ctx context.Context, job *QueueJob) error
	RecordAttempt(ctx context.Context, jobID string, attempt JobAttempt) error
	GetJob(ctx context.Context, jobID string) (*QueueJob, error)
	Stats(ctx context.Context, queue string) (*QueueStats, error)
}

// Embedder computes a fixed-dimension embedding for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// ActivityExecutor runs an externally-resolved activity module. The module is
// resolved by (actorType, version) from a blob-like store behind this port.
type ActivityExecutor interface {
	Execute(ctx context.Context, actorType, version string, input json.RawMessage) (json.RawMessage, error)
}

// Authorizer is the optional authorization plugin. A nil Authorizer means
// allow-all; policy is never hard-coded in the runtime.
type Authorizer interface {
	Authorize(ctx context.Context, principal, resource, action string) (AuthzDecision, error)
}

// EventSink receives failure events and trace events emitted by the runtime.
// Sink errors are logged and never propagate into dispatch.
type EventSink interface {
	PublishFailure(ctx context.Context, event FailureEvent) error
	PublishTrace(ctx context.Context, name string, fields map[string]interface{}) error
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}

// NoOpEventSink swallows every event.
type NoOpEventSink struct{}

func (n *NoOpEventSink) PublishFailure(ctx context.Context, event FailureEvent) error { return nil }
func (n *NoOpEventSink) PublishTrace(ctx context.Context, name string, fields map[string]interface{}) error {
	return nil
}

// NoOpEmbedder returns zero-vector embeddings of a fixed dimension so that
// memory-less deployments can still construct an index.
type NoOpEmbedder struct {
	Dim int
}

func (n *NoOpEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, n.Dim), nil
}

func (n *NoOpEmbedder) Dimension() int { return n.Dim }
