package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/loomlabs/loom/core"
)

// MemoryLease is the in-process core.Lease used by tests and single-node
// deployments. Expired holds are reclaimed lazily on the next Acquire.
type MemoryLease struct {
	mu    sync.Mutex
	holds map[string]memoryHold
	clock func() time.Time
}

type memoryHold struct {
	leaseID string
	expiry  time.Time
}

// NewMemoryLease creates an empty in-memory lease table.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{
		holds: make(map[string]memoryHold),
		clock: time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (l *MemoryLease) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

// Acquire claims resource for ttl, returning core.ErrLeaseHeld while another
// unexpired holder owns it.
func (l *MemoryLease) Acquire(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if hold, ok := l.holds[resource]; ok && now.Before(hold.expiry) {
		return "", fmt.Errorf("acquire %s: %w", resource, core.ErrLeaseHeld)
	}
	leaseID := uuid.NewString()
	l.holds[resource] = memoryHold{leaseID: leaseID, expiry: now.Add(ttl)}
	return leaseID, nil
}

// Renew extends the hold when leaseID still owns the resource.
func (l *MemoryLease) Renew(ctx context.Context, resource, leaseID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	hold, ok := l.holds[resource]
	if !ok || hold.leaseID != leaseID || !now.Before(hold.expiry) {
		return fmt.Errorf("renew %s: %w", resource, core.ErrLeaseExpired)
	}
	hold.expiry = now.Add(ttl)
	l.holds[resource] = hold
	return nil
}

// Release drops the hold when leaseID still owns the resource.
func (l *MemoryLease) Release(ctx context.Context, resource, leaseID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	hold, ok := l.holds[resource]
	if !ok || hold.leaseID != leaseID {
		return fmt.Errorf("release %s: %w", resource, core.ErrLeaseExpired)
	}
	delete(l.holds, resource)
	return nil
}

// Lua scripts keep renew and release atomic: both must compare the stored
// lease id before touching the key.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLease implements core.Lease on SET NX PX. The lease id stored as the
// key's value fences renew and release against a holder that lost the lease.
type RedisLease struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

// NewRedisLease creates a lease table over an existing Redis client.
func NewRedisLease(client *redis.Client, namespace string, logger core.Logger) (*RedisLease, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required: %w", core.ErrConfigInvalid)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("loom/lease")
	}
	return &RedisLease{client: client, namespace: namespace, logger: logger}, nil
}

func (l *RedisLease) key(resource string) string {
	return core.FormatKey(l.namespace, "lease:"+resource)
}

func (l *RedisLease) Acquire(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	leaseID := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(resource), leaseID, ttl).Result()
	if err != nil {
		return "", &core.PlatformError{Op: "lease.Acquire", Kind: "lease", ID: resource, Err: err}
	}
	if !ok {
		return "", fmt.Errorf("acquire %s: %w", resource, core.ErrLeaseHeld)
	}
	l.logger.Debug("Lease acquired", map[string]interface{}{
		"operation": "lease_acquired",
		"resource":  resource,
		"lease_id":  leaseID,
		"ttl_ms":    ttl.Milliseconds(),
	})
	return leaseID, nil
}

func (l *RedisLease) Renew(ctx context.Context, resource, leaseID string, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.key(resource)}, leaseID, ttl.Milliseconds()).Int()
	if err != nil {
		return &core.PlatformError{Op: "lease.Renew", Kind: "lease", ID: resource, Err: err}
	}
	if n == 0 {
		return fmt.Errorf("renew %s: %w", resource, core.ErrLeaseExpired)
	}
	return nil
}

func (l *RedisLease) Release(ctx context.Context, resource, leaseID string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(resource)}, leaseID).Int()
	if err != nil {
		return &core.PlatformError{Op: "lease.Release", Kind: "lease", ID: resource, Err: err}
	}
	if n == 0 {
		return fmt.Errorf("release %s: %w", resource, core.ErrLeaseExpired)
	}
	return nil
}

// Renewer keeps one acquired lease alive in the background, renewing at a
// third of the TTL until stopped or a renewal is rejected.
type Renewer struct {
	lease    core.Lease
	resource string
	leaseID  string
	ttl      time.Duration
	logger   core.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	lost bool
}

// StartRenewer begins renewing an already-acquired lease.
func StartRenewer(lease core.Lease, resource, leaseID string, ttl time.Duration, logger core.Logger) *Renewer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	r := &Renewer{
		lease:    lease,
		resource: resource,
		leaseID:  leaseID,
		ttl:      ttl,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Renewer) run() {
	defer close(r.done)
	interval := r.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := r.lease.Renew(ctx, r.resource, r.leaseID, r.ttl)
			cancel()
			if err != nil {
				r.logger.Warn("Lease renewal failed", map[string]interface{}{
					"operation": "lease_renewal_failed",
					"resource":  r.resource,
					"error":     err.Error(),
				})
				r.mu.Lock()
				r.lost = true
				r.mu.Unlock()
				return
			}
		}
	}
}

// Lost reports whether a renewal was rejected and the hold is gone.
func (r *Renewer) Lost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

// Stop ends renewal and waits for the renew loop to exit.
func (r *Renewer) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}
