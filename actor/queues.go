package actor

import (
	"encoding/json"

	"github.com/loomlabs/loom/core"
)

// ActivityQueue is the well-known queue activity requests travel on,
// separate from the actor queues so activity workers scale independently.
const ActivityQueue = "loom:activities"

// QueueForType names the dispatch queue for an actor type. Every message for
// the type shares one FIFO queue; per-actor mutual exclusion comes from the
// lease, not the queue.
func QueueForType(actorType string) string {
	return "loom:actors:" + actorType
}

// ActivityRequest is the envelope published to the activity queue. The ack
// comes back tagged with CorrelationID.
type ActivityRequest struct {
	Name          string          `json:"name"`
	Input         json.RawMessage `json:"input,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	ReplyTo       core.ActorRef   `json:"reply_to"`
	Version       string          `json:"version,omitempty"`
}

// ActivityResult is the ack an activity worker publishes back.
type ActivityResult struct {
	CorrelationID string          `json:"correlation_id"`
	ReplyTo       core.ActorRef   `json:"reply_to"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// SpawnRequest records the identity and seed input of a spawned child.
type SpawnRequest struct {
	Child core.ActorRef   `json:"child"`
	Input json.RawMessage `json:"input,omitempty"`
}
