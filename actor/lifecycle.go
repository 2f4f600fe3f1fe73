package actor

import (
	"fmt"
	"sync"
	"time"

	"github.com/loomlabs/loom/core"
	"github.com/loomlabs/loom/journal"
)

// Status is an actor's position in its lifecycle.
type Status string

const (
	StatusCreated    Status = "created"
	StatusHydrating  Status = "hydrating"
	StatusExecuting  Status = "executing"
	StatusPersisting Status = "persisting"
	StatusIdle       Status = "idle"
	StatusEvicted    Status = "evicted"
)

// transitions lists the legal next states. Evicted is reachable from
// anywhere and terminal.
var transitions = map[Status][]Status{
	StatusCreated:    {StatusHydrating},
	StatusHydrating:  {StatusExecuting, StatusIdle},
	StatusExecuting:  {StatusPersisting},
	StatusPersisting: {StatusIdle},
	StatusIdle:       {StatusExecuting},
	StatusEvicted:    {},
}

func (s Status) canTransition(to Status) bool {
	if to == StatusEvicted {
		return s != StatusEvicted
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Actor is one resident actor instance: its identity, lifecycle position,
// journal-backed state, and recency bookkeeping for eviction.
type Actor struct {
	Ref core.ActorRef

	mu         sync.Mutex
	status     Status
	sm         *journal.StateManager
	lastActive time.Time
}

// NewActor creates a resident actor in Created.
func NewActor(ref core.ActorRef) *Actor {
	return &Actor{
		Ref:        ref,
		status:     StatusCreated,
		lastActive: time.Now(),
	}
}

// Status returns the current lifecycle position.
func (a *Actor) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// TransitionTo moves the actor to next, rejecting illegal transitions.
func (a *Actor) TransitionTo(next Status) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.status.canTransition(next) {
		return fmt.Errorf("actor %s: transition %s > %s: %w",
			a.Ref.String(), a.status, next, core.ErrInvalidTransition)
	}
	a.status = next
	return nil
}

// AttachState installs the hydrated state manager.
func (a *Actor) AttachState(sm *journal.StateManager) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sm = sm
}

// StateManager returns the hydrated state manager, or nil before hydration.
func (a *Actor) StateManager() *journal.StateManager {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sm
}

// Touch records activity for idle-eviction bookkeeping.
func (a *Actor) Touch(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastActive = now
}

// LastActive returns the most recent Touch time.
func (a *Actor) LastActive() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActive
}
