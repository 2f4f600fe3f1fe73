package config

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/loomlabs/loom/core"
	"github.com/loomlabs/loom/telemetry"
)

// ChangeEvent describes a configuration write or delete, delivered to
// OnChange listeners after the persistence layer has accepted it.
type ChangeEvent struct {
	KeyPath string
	Value   json.RawMessage
	Deleted bool
}

// ChangeListener receives configuration change notifications.
type ChangeListener func(ChangeEvent)

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// Persist is the authoritative store. Required.
	Persist Store

	// Cache, when set, fronts Persist with TTL-bounded read-through.
	Cache Store

	// CacheTTL bounds staleness of cached reads. Zero disables the cache
	// even when one is provided.
	CacheTTL time.Duration

	// Instruments receives lookup and cache counters when telemetry is
	// enabled.
	Instruments *telemetry.MetricInstruments

	Logger core.Logger
}

// Resolver answers configuration lookups by walking the fallback paths for a
// key under a context, most specific first. Reads go through the cache when
// fresh; writes go to the persistence layer first and then update the cache.
type Resolver struct {
	persist     Store
	cache       Store
	cacheTTL    time.Duration
	instruments *telemetry.MetricInstruments
	logger      core.Logger
	clock       func() time.Time

	mu        sync.RWMutex
	listeners map[int]ChangeListener
	nextID    int
}

// NewResolver creates a Resolver from opts.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if opts.Persist == nil {
		return nil, core.NewPlatformError("config.NewResolver", "config", core.ErrNotInitialized)
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cl, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cl.WithComponent("loom/config")
	}
	return &Resolver{
		persist:     opts.Persist,
		cache:       opts.Cache,
		cacheTTL:    opts.CacheTTL,
		instruments: opts.Instruments,
		logger:      logger,
		clock:       time.Now,
		listeners:   make(map[int]ChangeListener),
	}, nil
}

// SetClock overrides the time source used for cache freshness. Tests only.
func (r *Resolver) SetClock(clock func() time.Time) {
	r.clock = clock
}

// Get returns the value stored at exactly path, without fallback. The second
// return is false when no value exists.
func (r *Resolver) Get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	if err := ValidateKeyPath(path); err != nil {
		return nil, false, err
	}
	rec, err := r.lookup(ctx, path)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// lookup consults the cache first when it is fresh, then the persistence
// layer, refreshing the cache on a hit.
func (r *Resolver) lookup(ctx context.Context, path string) (*Record, error) {
	r.count(ctx, telemetry.MetricConfigLookups)
	if r.cache != nil && r.cacheTTL > 0 {
		rec, err := r.cache.Get(ctx, path)
		if err != nil {
			r.logger.Warn("Config cache read failed, falling through", map[string]interface{}{
				"operation": "config_cache_get",
				"key_path":  path,
				"error":     err.Error(),
			})
		} else if rec != nil && r.clock().Sub(rec.UpdatedAt) <= r.cacheTTL {
			r.count(ctx, telemetry.MetricConfigCacheHits)
			return rec, nil
		}
	}

	rec, err := r.persist.Get(ctx, path)
	if err != nil || rec == nil {
		return rec, err
	}
	if r.cache != nil && r.cacheTTL > 0 {
		if cerr := r.cache.Set(ctx, path, rec.Value); cerr != nil {
			r.logger.Warn("Config cache refresh failed", map[string]interface{}{
				"operation": "config_cache_set",
				"key_path":  path,
				"error":     cerr.Error(),
			})
		}
	}
	return rec, nil
}

// Resolve walks the fallback paths for key under cctx and returns the first
// value found together with the path that matched. The boolean is false when
// no level holds a value.
func (r *Resolver) Resolve(ctx context.Context, key string, cctx core.ConfigContext) (json.RawMessage, string, bool, error) {
	if err := ValidateKeyPath(key); err != nil {
		return nil, "", false, err
	}
	for _, path := range FallbackPaths(key, cctx) {
		rec, err := r.lookup(ctx, path)
		if err != nil {
			return nil, "", false, err
		}
		if rec != nil {
			return rec.Value, path, true, nil
		}
	}
	return nil, "", false, nil
}

// GetConfig resolves key under cctx and fails with a ConfigMissingError
// enumerating every searched path when no level holds a value.
func (r *Resolver) GetConfig(ctx context.Context, key string, cctx core.ConfigContext) (json.RawMessage, error) {
	value, _, found, err := r.Resolve(ctx, key, cctx)
	if err != nil {
		return nil, err
	}
	if !found {
		r.count(ctx, telemetry.MetricConfigMisses)
		return nil, &core.ConfigMissingError{
			Key:           key,
			SearchedPaths: FallbackPaths(key, cctx),
		}
	}
	return value, nil
}

// TryGetConfig resolves key under cctx, reporting absence through the
// boolean instead of an error.
func (r *Resolver) TryGetConfig(ctx context.Context, key string, cctx core.ConfigContext) (json.RawMessage, bool, error) {
	value, _, found, err := r.Resolve(ctx, key, cctx)
	return value, found, err
}

// Set writes value at path. The persistence layer is updated first; a cache
// write failure is logged but does not fail the call.
func (r *Resolver) Set(ctx context.Context, path string, value json.RawMessage) error {
	if err := ValidateKeyPath(path); err != nil {
		return err
	}
	if err := r.persist.Set(ctx, path, value); err != nil {
		return err
	}
	if r.cache != nil && r.cacheTTL > 0 {
		if err := r.cache.Set(ctx, path, value); err != nil {
			r.logger.Warn("Config cache write failed after persist", map[string]interface{}{
				"operation": "config_set",
				"key_path":  path,
				"error":     err.Error(),
			})
		}
	}
	r.notify(ChangeEvent{KeyPath: path, Value: value})
	return nil
}

// Delete removes the value at path from both layers.
func (r *Resolver) Delete(ctx context.Context, path string) error {
	if err := ValidateKeyPath(path); err != nil {
		return err
	}
	if err := r.persist.Delete(ctx, path); err != nil {
		return err
	}
	if r.cache != nil {
		if err := r.cache.Delete(ctx, path); err != nil {
			r.logger.Warn("Config cache delete failed after persist", map[string]interface{}{
				"operation": "config_delete",
				"key_path":  path,
				"error":     err.Error(),
			})
		}
	}
	r.notify(ChangeEvent{KeyPath: path, Deleted: true})
	return nil
}

// List returns the key paths stored under prefix.
func (r *Resolver) List(ctx context.Context, prefix string) ([]string, error) {
	return r.persist.List(ctx, prefix)
}

// GetAll returns every value stored under prefix, keyed by path. Reads go
// straight to the persistence layer so the snapshot never reflects cache
// staleness.
func (r *Resolver) GetAll(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	paths, err := r.persist.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	values := make(map[string]json.RawMessage, len(paths))
	for _, path := range paths {
		rec, err := r.persist.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			values[path] = rec.Value
		}
	}
	return values, nil
}

func (r *Resolver) count(ctx context.Context, name string) {
	if r.instruments == nil {
		return
	}
	_ = r.instruments.RecordCounter(ctx, name, 1)
}

// OnChange registers listener for configuration changes and returns a
// function that unregisters it.
func (r *Resolver) OnChange(listener ChangeListener) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = listener
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// notify delivers ev to every listener. A panicking listener is logged and
// does not disturb the others or the caller.
func (r *Resolver) notify(ev ChangeEvent) {
	r.mu.RLock()
	listeners := make([]ChangeListener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("Config change listener panicked", map[string]interface{}{
						"operation": "config_notify",
						"key_path":  ev.KeyPath,
						"panic":     rec,
					})
				}
			}()
			l(ev)
		}()
	}
}
