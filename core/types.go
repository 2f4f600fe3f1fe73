package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActorRef identifies an actor. ActorID is unique within (TenantID, ActorType).
type ActorRef struct {
	TenantID  string `json:"tenant_id"`
	ActorType string `json:"actor_type"`
	ActorID   string `json:"actor_id"`
}

// String returns the canonical "tenant/type/id" form used in queue names and lease keys.
func (r ActorRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.TenantID, r.ActorType, r.ActorID)
}

// Validate checks that all three components are present.
func (r ActorRef) Validate() error {
	if r.TenantID == "" || r.ActorType == "" || r.ActorID == "" {
		return fmt.Errorf("actor ref %q: %w", r.String(), ErrInvalidActorRef)
	}
	return nil
}

// MessageMetadata carries delivery bookkeeping for a message.
type MessageMetadata struct {
	Timestamp  time.Time `json:"timestamp"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`
	ActorType  string    `json:"actor_type"`
}

// Message is the unit of dispatch. MessageID is unique across retries;
// IdempotencyKey identifies the logical request and may repeat across message IDs.
type Message struct {
	MessageID      string            `json:"message_id"`
	ActorRef       ActorRef          `json:"actor_ref"`
	MessageType    string            `json:"message_type"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	TraceContext   map[string]string `json:"trace_context,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       MessageMetadata   `json:"metadata"`
}

// JournalEntryKind discriminates the journal entry variant.
type JournalEntryKind string

const (
	EntryInvocation   JournalEntryKind = "invocation"
	EntryStatePatches JournalEntryKind = "state_patches"
	EntryMarker       JournalEntryKind = "marker"
)

// MarkerKind identifies what side effect a marker entry records.
type MarkerKind string

const (
	MarkerSpawnChild        MarkerKind = "spawn_child"
	MarkerActivityScheduled MarkerKind = "activity_scheduled"
	MarkerActivityCompleted MarkerKind = "activity_completed"
	MarkerEventAwaited      MarkerKind = "event_awaited"
	MarkerEventReceived     MarkerKind = "event_received"
)

// JournalEntry is one record in an actor's append-only journal. Exactly the
// fields for its Kind are populated; entries are totally ordered by Index.
type JournalEntry struct {
	Index int              `json:"index"`
	Kind  JournalEntryKind `json:"kind"`

	// Invocation fields
	MessageID       string          `json:"message_id,omitempty"`
	PayloadSnapshot json.RawMessage `json:"payload_snapshot,omitempty"`
	Received        time.Time       `json:"received,omitempty"`

	// StatePatches fields. Patches are journal.Patch values serialized by the
	// state manager; core treats them as opaque.
	Patches        json.RawMessage `json:"patches,omitempty"`
	InversePatches json.RawMessage `json:"inverse_patches,omitempty"`
	Applied        time.Time       `json:"applied,omitempty"`

	// Marker fields
	Marker        MarkerKind      `json:"marker,omitempty"`
	MarkerPayload json.RawMessage `json:"marker_payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// InvocationStatus is the terminal status of a processed message.
type InvocationStatus string

const (
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
)

// InvocationRecord summarizes the last processed message for an actor.
type InvocationRecord struct {
	MessageID   string           `json:"message_id"`
	Status      InvocationStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	CompletedAt time.Time        `json:"completed_at"`
}

// ActorRecord is the persisted projection of an actor. State is the
// materialized fold of Journal and is kept for fast start; the journal is
// authoritative on conflict.
type ActorRecord struct {
	ActorID        string            `json:"actor_id"`
	State          json.RawMessage   `json:"state"`
	Journal        []JournalEntry    `json:"journal"`
	LastInvocation *InvocationRecord `json:"last_invocation,omitempty"`
	LogicalClock   uint64            `json:"logical_clock"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// JobStatus is the lifecycle state of a queue job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDelayed   JobStatus = "delayed"
	JobDead      JobStatus = "dead"
)

// JobAttempt records one delivery attempt for a job.
type JobAttempt struct {
	Status     JobStatus `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	WorkerID   string    `json:"worker_id,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
}

// QueueJob is the durable envelope a queue carries.
type QueueJob struct {
	JobID         string          `json:"job_id"`
	QueueName     string          `json:"queue_name"`
	Payload       json.RawMessage `json:"payload"`
	AttemptNumber int             `json:"attempt_number"`
	MaxAttempts   int             `json:"max_attempts"`
	Status        JobStatus       `json:"status"`
	Attempts      []JobAttempt    `json:"attempts,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	NotBefore     time.Time       `json:"not_before,omitempty"`
}

// MemoryKind partitions memory items by retention semantics.
type MemoryKind string

const (
	MemoryShortTerm     MemoryKind = "short-term"
	MemoryLongTerm      MemoryKind = "long-term"
	MemorySemanticCache MemoryKind = "semantic-cache"
)

// MemoryItemMetadata carries dedup bookkeeping for a memory item.
type MemoryItemMetadata struct {
	Hash        string                 `json:"hash,omitempty"`
	Occurrences int                    `json:"occurrences,omitempty"`
	LastUpdated time.Time              `json:"last_updated,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// MemoryItem is one entry in the semantic memory index.
type MemoryItem struct {
	ID        string             `json:"id"`
	TenantID  string             `json:"tenant_id"`
	ThreadID  string             `json:"thread_id,omitempty"`
	TurnIndex int                `json:"turn_index,omitempty"`
	Text      string             `json:"text,omitempty"`
	Content   string             `json:"content,omitempty"`
	Embedding []float32          `json:"embedding,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Kind      MemoryKind         `json:"kind"`
	Category  string             `json:"category,omitempty"`
	TTLSec    int                `json:"ttl_sec,omitempty"`
	Metadata  MemoryItemMetadata `json:"metadata"`
}

// Event is the normalized form every trigger adapter emits.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      json.RawMessage        `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// FailureEvent is published to observers when a message exhausts its retries
// or an invocation fails. Messages are redacted before publication.
type FailureEvent struct {
	Kind          string    `json:"kind"`
	Message       string    `json:"message"`
	Attempt       int       `json:"attempt"`
	ActorRef      ActorRef  `json:"actor_ref"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ConfigContext carries the dimensions used for hierarchical config fallback.
// Any dimension may be absent; arbitrary extension dimensions are allowed.
type ConfigContext map[string]string

// Recognized context dimensions, in fallback priority order.
const (
	DimClientID    = "clientId"
	DimTenantID    = "tenantId"
	DimUserID      = "userId"
	DimEnvironment = "environment"
	DimRegion      = "region"
	DimActorID     = "actorId"
)

// AuthzDecision is the result of an authorization check.
type AuthzDecision struct {
	Allow               bool     `json:"allow"`
	Reason              string   `json:"reason,omitempty"`
	RequiredPermissions []string `json:"required_permissions,omitempty"`
}
