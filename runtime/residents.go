package runtime

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loomlabs/loom/actor"
	"github.com/loomlabs/loom/core"
)

// Resident is one in-memory actor together with its suspension broker. The
// broker lives with the actor so activity acks and events can find their
// waiters while the actor stays resident.
type Resident struct {
	Actor       *actor.Actor
	Suspensions *actor.Suspensions
}

// Residents is the LRU cache of in-memory actors. Capacity eviction comes
// from the LRU; idle eviction comes from SweepIdle. Evicted actors lose only
// their residency, never their persisted state.
type Residents struct {
	cache       *lru.Cache[string, *Resident]
	idleTimeout time.Duration
	logger      core.Logger
	clock       func() time.Time
}

// NewResidents creates the cache. maxSize must be positive; a non-positive
// idleTimeout disables idle sweeping.
func NewResidents(maxSize int, idleTimeout time.Duration, logger core.Logger) (*Residents, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("max resident actors must be positive, got %d: %w", maxSize, core.ErrConfigInvalid)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("loom/residents")
	}
	r := &Residents{
		idleTimeout: idleTimeout,
		logger:      logger,
		clock:       time.Now,
	}
	cache, err := lru.NewWithEvict[string, *Resident](maxSize, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("resident cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

// SetClock overrides the time source. Tests only.
func (r *Residents) SetClock(clock func() time.Time) {
	r.clock = clock
}

func (r *Residents) onEvict(key string, res *Resident) {
	if err := res.Actor.TransitionTo(actor.StatusEvicted); err != nil {
		r.logger.Warn("Eviction transition rejected", map[string]interface{}{
			"operation": "resident_evict_transition",
			"actor_ref": key,
			"error":     err.Error(),
		})
	}
	r.logger.Debug("Actor evicted from residency", map[string]interface{}{
		"operation": "resident_evicted",
		"actor_ref": key,
	})
}

// GetOrCreate returns the resident for ref, creating a fresh Created-status
// one when absent. The second return reports whether the actor was already
// resident.
func (r *Residents) GetOrCreate(ref core.ActorRef) (*Resident, bool) {
	key := ref.String()
	if res, ok := r.cache.Get(key); ok {
		return res, true
	}
	res := &Resident{
		Actor:       actor.NewActor(ref),
		Suspensions: actor.NewSuspensions(),
	}
	r.cache.Add(key, res)
	return res, false
}

// Peek returns the resident without refreshing its LRU position.
func (r *Residents) Peek(ref core.ActorRef) (*Resident, bool) {
	return r.cache.Peek(ref.String())
}

// Remove evicts one actor from residency.
func (r *Residents) Remove(ref core.ActorRef) {
	r.cache.Remove(ref.String())
}

// Len reports how many actors are resident.
func (r *Residents) Len() int {
	return r.cache.Len()
}

// SweepIdle evicts actors whose last activity is older than the idle
// timeout, returning how many were evicted. Actors mid-invocation are
// skipped; dispatch touches them before and after execution.
func (r *Residents) SweepIdle() int {
	if r.idleTimeout <= 0 {
		return 0
	}
	cutoff := r.clock().Add(-r.idleTimeout)
	evicted := 0
	for _, key := range r.cache.Keys() {
		res, ok := r.cache.Peek(key)
		if !ok {
			continue
		}
		status := res.Actor.Status()
		if status == actor.StatusExecuting || status == actor.StatusPersisting || status == actor.StatusHydrating {
			continue
		}
		if res.Actor.LastActive().Before(cutoff) {
			r.cache.Remove(key)
			evicted++
		}
	}
	return evicted
}
