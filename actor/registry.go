package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomlabs/loom/core"
	"github.com/loomlabs/loom/journal"
)

// Handler is the single entry point the runtime calls per message. All state
// changes go through ac.UpdateState; the returned value becomes the
// invocation result stored for idempotent replay.
type Handler func(ctx context.Context, ac *Context, input json.RawMessage) (json.RawMessage, error)

// RegistrationOptions tune dispatch for one actor type.
type RegistrationOptions struct {
	// ExecutionTimeout bounds one handler invocation. Zero means the
	// runtime default applies.
	ExecutionTimeout time.Duration

	// MaxAttempts overrides the queue's delivery budget for this type.
	MaxAttempts int

	// DefaultState seeds new actors before their first invocation.
	DefaultState journal.State
}

// Registration binds an actor type to its handler.
type Registration struct {
	ActorType string
	Handler   Handler
	Options   RegistrationOptions
}

// Registry holds every registered actor type. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Registration
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*Registration)}
}

// Register adds an actor type. Duplicate registration is a startup error.
func (r *Registry) Register(reg *Registration) error {
	if reg == nil || reg.ActorType == "" {
		return fmt.Errorf("registration with an actor type is required")
	}
	if reg.Handler == nil {
		return fmt.Errorf("actor type %q: handler is required", reg.ActorType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[reg.ActorType]; exists {
		return fmt.Errorf("actor type %q already registered: %w", reg.ActorType, core.ErrAlreadyStarted)
	}
	r.types[reg.ActorType] = reg
	return nil
}

// Lookup returns the registration for actorType.
func (r *Registry) Lookup(actorType string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[actorType]
	if !ok {
		return nil, fmt.Errorf("actor type %q: %w", actorType, core.ErrHandlerNotFound)
	}
	return reg, nil
}

// Types returns every registered actor type, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
