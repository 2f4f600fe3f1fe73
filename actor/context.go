package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomlabs/loom/config"
	"github.com/loomlabs/loom/core"
	"github.com/loomlabs/loom/journal"
	"github.com/loomlabs/loom/memory"
)

// ContextConfig wires one invocation's Context. StateManager, Queue, and
// Suspensions are required; Resolver and Memory are optional capabilities
// whose absence degrades the matching helpers to no-ops or errors.
type ContextConfig struct {
	Ref          core.ActorRef
	Message      *core.Message
	StateManager *journal.StateManager
	Queue        core.Queue
	Suspensions  *Suspensions
	Resolver     *config.Resolver
	Memory       *memory.Index
	Logger       core.Logger
	Clock        func() time.Time

	// ConfigContext supplies ambient dimensions (environment, region, …);
	// the actor's tenant and id are always added on top of it.
	ConfigContext core.ConfigContext
}

// Context is the handler author's view of the platform for one invocation.
// It is not safe for use after the handler returns.
type Context struct {
	ref         core.ActorRef
	msg         *core.Message
	sm          *journal.StateManager
	queue       core.Queue
	suspensions *Suspensions
	resolver    *config.Resolver
	memIndex    *memory.Index
	logger      core.Logger
	clock       func() time.Time
	cctx        core.ConfigContext

	// Config reads within one invocation see a stable snapshot.
	snapMu   sync.Mutex
	snapshot map[string]json.RawMessage
}

// NewContext builds the per-invocation handler context.
func NewContext(cfg ContextConfig) (*Context, error) {
	if err := cfg.Ref.Validate(); err != nil {
		return nil, err
	}
	if cfg.StateManager == nil {
		return nil, fmt.Errorf("state manager is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Suspensions == nil {
		return nil, fmt.Errorf("suspensions broker is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("loom/actor")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	cctx := core.ConfigContext{}
	for dim, v := range cfg.ConfigContext {
		cctx[dim] = v
	}
	cctx[core.DimTenantID] = cfg.Ref.TenantID
	cctx[core.DimActorID] = cfg.Ref.ActorID
	return &Context{
		ref:         cfg.Ref,
		msg:         cfg.Message,
		sm:          cfg.StateManager,
		queue:       cfg.Queue,
		suspensions: cfg.Suspensions,
		resolver:    cfg.Resolver,
		memIndex:    cfg.Memory,
		logger:      logger,
		clock:       clock,
		cctx:        cctx,
		snapshot:    make(map[string]json.RawMessage),
	}, nil
}

// Ref returns the actor's identity.
func (c *Context) Ref() core.ActorRef { return c.ref }

// Message returns the message being handled.
func (c *Context) Message() *core.Message { return c.msg }

// Logger returns the invocation logger.
func (c *Context) Logger() core.Logger { return c.logger }

// State returns a snapshot of the current state.
func (c *Context) State() journal.State { return c.sm.State() }

// UpdateState applies recipe to a draft of the state and journals the
// resulting patches atomically. A recipe error discards the draft.
func (c *Context) UpdateState(recipe func(draft journal.State) error) error {
	return c.sm.UpdateState(recipe)
}

// CallActivity journals an activity marker, publishes the request to the
// activity queue, and suspends until the ack tagged with the marker's
// correlation id arrives.
func (c *Context) CallActivity(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	correlationID := uuid.NewString()
	req := ActivityRequest{
		Name:          name,
		Input:         input,
		CorrelationID: correlationID,
		ReplyTo:       c.ref,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &core.PlatformError{Op: "actor.CallActivity", Kind: "actor", ID: name, Err: err}
	}

	c.sm.RecordMarker(core.MarkerActivityScheduled, payload, correlationID)
	wait := c.suspensions.Register(correlationID)

	if _, err := c.queue.Publish(ctx, ActivityQueue, payload, nil); err != nil {
		c.suspensions.Cancel(correlationID)
		return nil, &core.PlatformError{Op: "actor.CallActivity", Kind: "actor", ID: name, Err: err}
	}

	select {
	case out := <-wait:
		if out.Err != nil {
			return nil, out.Err
		}
		c.sm.RecordMarker(core.MarkerActivityCompleted, out.Payload, correlationID)
		return out.Payload, nil
	case <-ctx.Done():
		c.suspensions.Cancel(correlationID)
		return nil, ctx.Err()
	}
}

// SpawnChild journals a spawn marker and publishes the child's first message
// to its type queue. The child id is generated here and doubles as the
// message's idempotency key so redelivery cannot spawn twice.
func (c *Context) SpawnChild(ctx context.Context, actorType string, input json.RawMessage) (string, error) {
	child := core.ActorRef{
		TenantID:  c.ref.TenantID,
		ActorType: actorType,
		ActorID:   uuid.NewString(),
	}
	marker, err := json.Marshal(SpawnRequest{Child: child, Input: input})
	if err != nil {
		return "", &core.PlatformError{Op: "actor.SpawnChild", Kind: "actor", ID: actorType, Err: err}
	}
	c.sm.RecordMarker(core.MarkerSpawnChild, marker, child.ActorID)

	msg := core.Message{
		MessageID:      uuid.NewString(),
		ActorRef:       child,
		MessageType:    "spawn",
		CorrelationID:  child.ActorID,
		Payload:        input,
		IdempotencyKey: child.ActorID,
		Metadata: core.MessageMetadata{
			Timestamp: c.clock().UTC(),
			ActorType: actorType,
		},
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return "", &core.PlatformError{Op: "actor.SpawnChild", Kind: "actor", ID: actorType, Err: err}
	}
	if _, err := c.queue.Publish(ctx, QueueForType(actorType), encoded, nil); err != nil {
		return "", &core.PlatformError{Op: "actor.SpawnChild", Kind: "actor", ID: actorType, Err: err}
	}
	return child.ActorID, nil
}

// eventWaitKey scopes event waits to this actor so two actors awaiting the
// same event name never steal each other's delivery.
func (c *Context) eventWaitKey(eventName string) string {
	return "event:" + c.ref.String() + ":" + eventName
}

// WaitForEvent journals an awaited-event marker and suspends until the
// runtime routes a matching event to this actor.
func (c *Context) WaitForEvent(ctx context.Context, eventName string) (json.RawMessage, error) {
	key := c.eventWaitKey(eventName)
	namePayload, _ := json.Marshal(map[string]string{"event": eventName})
	c.sm.RecordMarker(core.MarkerEventAwaited, namePayload, key)
	wait := c.suspensions.Register(key)

	select {
	case out := <-wait:
		if out.Err != nil {
			return nil, out.Err
		}
		c.sm.RecordMarker(core.MarkerEventReceived, out.Payload, key)
		return out.Payload, nil
	case <-ctx.Done():
		c.suspensions.Cancel(key)
		return nil, ctx.Err()
	}
}

// GetConfig resolves key through the hierarchical fallback chain using the
// actor's context. Reads are snapshotted per invocation.
func (c *Context) GetConfig(ctx context.Context, key string) (json.RawMessage, error) {
	if c.resolver == nil {
		return nil, fmt.Errorf("no config resolver configured: %w", core.ErrNotInitialized)
	}
	c.snapMu.Lock()
	cached, ok := c.snapshot[key]
	c.snapMu.Unlock()
	if ok {
		if cached == nil {
			return nil, &core.ConfigMissingError{Key: key}
		}
		return cached, nil
	}

	value, err := c.resolver.GetConfig(ctx, key, c.cctx)
	c.snapMu.Lock()
	if err != nil {
		var missing *core.ConfigMissingError
		if errors.As(err, &missing) {
			c.snapshot[key] = nil
		}
	} else {
		c.snapshot[key] = value
	}
	c.snapMu.Unlock()
	return value, err
}

// TryGetConfig is GetConfig without the missing-key error.
func (c *Context) TryGetConfig(ctx context.Context, key string) (json.RawMessage, bool, error) {
	value, err := c.GetConfig(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrConfigMissing) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

// Remember stores text in the memory index under the actor's tenant and
// thread. Memory failures never reach the handler; an empty id means the
// write was absorbed.
func (c *Context) Remember(ctx context.Context, threadID, text string) string {
	if c.memIndex == nil {
		return ""
	}
	id, err := c.memIndex.Add(ctx, &core.MemoryItem{
		TenantID: c.ref.TenantID,
		ThreadID: threadID,
		Text:     text,
		Kind:     core.MemoryShortTerm,
	}, nil)
	if err != nil {
		c.logger.Warn("Memory write absorbed", map[string]interface{}{
			"operation": "actor_remember",
			"actor_ref": c.ref.String(),
			"error":     err.Error(),
		})
		return ""
	}
	return id
}

// Recall searches the actor's tenant partition. Failures come back as an
// empty result.
func (c *Context) Recall(ctx context.Context, query string, limit int) []memory.Match {
	if c.memIndex == nil {
		return nil
	}
	matches, err := c.memIndex.Search(ctx, query, c.ref.TenantID, &memory.SearchOptions{Limit: limit})
	if err != nil {
		c.logger.Warn("Memory search absorbed", map[string]interface{}{
			"operation": "actor_recall",
			"actor_ref": c.ref.String(),
			"error":     err.Error(),
		})
		return nil
	}
	return matches
}

// Cache stores a response in the semantic cache. Failures are absorbed.
func (c *Context) Cache(ctx context.Context, query, response string) {
	if c.memIndex == nil {
		return
	}
	if _, err := c.memIndex.AddToCache(ctx, query, response, c.ref.TenantID, nil); err != nil {
		c.logger.Warn("Cache write absorbed", map[string]interface{}{
			"operation": "actor_cache",
			"actor_ref": c.ref.String(),
			"error":     err.Error(),
		})
	}
}

// CheckCache looks up the semantic cache; nil means absent, including on
// error.
func (c *Context) CheckCache(ctx context.Context, query string) *memory.CacheHit {
	if c.memIndex == nil {
		return nil
	}
	hit, err := c.memIndex.CheckSemanticCache(ctx, query, c.ref.TenantID, nil)
	if err != nil {
		c.logger.Warn("Cache lookup absorbed", map[string]interface{}{
			"operation": "actor_check_cache",
			"actor_ref": c.ref.String(),
			"error":     err.Error(),
		})
		return nil
	}
	return hit
}
