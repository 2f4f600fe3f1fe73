package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loomlabs/loom/actor"
	"github.com/loomlabs/loom/core"
)

// Registration binds a named trigger to the actors it feeds. Filter decides
// whether an event concerns this trigger; Transform turns it into the
// message to dispatch.
type Registration struct {
	Name      string
	Filter    func(event core.Event) bool
	Transform func(event core.Event) (*core.Message, error)
}

// EmitFunc is how a source hands events to the engine.
type EmitFunc func(ctx context.Context, event core.Event)

// Source produces events. Missing lists every configuration key the source
// needs but does not have; a non-empty result fails engine startup.
type Source interface {
	Name() string
	Missing() []string
	Start(ctx context.Context, emit EmitFunc) error
	Stop(ctx context.Context) error
}

// EngineConfig wires the trigger engine.
type EngineConfig struct {
	Queue  core.Queue
	Logger core.Logger
	Clock  func() time.Time
}

// Engine routes source events through registered triggers into actor queues.
type Engine struct {
	queue  core.Queue
	logger core.Logger
	clock  func() time.Time

	mu       sync.RWMutex
	triggers map[string]*Registration
	sources  []Source

	running atomic.Bool
}

// NewEngine validates the wiring.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required: %w", core.ErrConfigInvalid)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("loom/trigger")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		queue:    cfg.Queue,
		logger:   logger,
		clock:    clock,
		triggers: make(map[string]*Registration),
	}, nil
}

// Register adds a trigger. Names are unique; registration happens before Start.
func (e *Engine) Register(reg *Registration) error {
	if reg == nil || reg.Name == "" {
		return fmt.Errorf("trigger name is required: %w", core.ErrConfigInvalid)
	}
	if reg.Transform == nil {
		return fmt.Errorf("trigger %s: transform is required: %w", reg.Name, core.ErrConfigInvalid)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.triggers[reg.Name]; exists {
		return fmt.Errorf("trigger %s: %w", reg.Name, core.ErrAlreadyStarted)
	}
	e.triggers[reg.Name] = reg
	return nil
}

// AddSource attaches a source to start with the engine.
func (e *Engine) AddSource(src Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources = append(e.sources, src)
}

// Start validates every source and starts them. Any missing configuration
// key anywhere fails startup with one error naming them all.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}
	e.mu.RLock()
	sources := append([]Source(nil), e.sources...)
	e.mu.RUnlock()

	var missing []string
	for _, src := range sources {
		for _, key := range src.Missing() {
			missing = append(missing, src.Name()+": "+key)
		}
	}
	if len(missing) > 0 {
		e.running.Store(false)
		return fmt.Errorf("trigger sources missing configuration [%s]: %w",
			strings.Join(missing, ", "), core.ErrConfigInvalid)
	}

	for i, src := range sources {
		if err := src.Start(ctx, e.Dispatch); err != nil {
			for _, started := range sources[:i] {
				_ = started.Stop(ctx)
			}
			e.running.Store(false)
			return fmt.Errorf("start source %s: %w", src.Name(), err)
		}
	}
	e.logger.Info("Trigger engine started", map[string]interface{}{
		"operation": "trigger_engine_started",
		"sources":   len(sources),
		"triggers":  len(e.triggers),
	})
	return nil
}

// Stop stops every source.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	var firstErr error
	for _, src := range e.sources {
		if err := src.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispatch runs event through every matching trigger and publishes the
// transformed messages to their actors' queues. Transform failures are
// logged and skip only the failing trigger.
func (e *Engine) Dispatch(ctx context.Context, event core.Event) {
	e.mu.RLock()
	triggers := make([]*Registration, 0, len(e.triggers))
	for _, reg := range e.triggers {
		triggers = append(triggers, reg)
	}
	e.mu.RUnlock()

	for _, reg := range triggers {
		if reg.Filter != nil && !reg.Filter(event) {
			continue
		}
		msg, err := reg.Transform(event)
		if err != nil {
			e.logger.Warn("Trigger transform failed", map[string]interface{}{
				"operation":  "trigger_transform_failed",
				"trigger":    reg.Name,
				"event_id":   event.ID,
				"event_type": event.Type,
				"error":      err.Error(),
			})
			continue
		}
		if msg == nil {
			continue
		}
		if err := e.publish(ctx, reg.Name, msg); err != nil {
			e.logger.Error("Trigger publish failed", map[string]interface{}{
				"operation": "trigger_publish_failed",
				"trigger":   reg.Name,
				"actor_ref": msg.ActorRef.String(),
				"error":     err.Error(),
			})
		}
	}
}

func (e *Engine) publish(ctx context.Context, triggerName string, msg *core.Message) error {
	if err := msg.ActorRef.Validate(); err != nil {
		return err
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Metadata.Timestamp.IsZero() {
		msg.Metadata.Timestamp = e.clock().UTC()
	}
	if msg.Metadata.ActorType == "" {
		msg.Metadata.ActorType = msg.ActorRef.ActorType
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return &core.PlatformError{Op: "trigger.Dispatch", Kind: "queue", ID: triggerName, Err: err}
	}
	_, err = e.queue.Publish(ctx, actor.QueueForType(msg.ActorRef.ActorType), payload, nil)
	return err
}
