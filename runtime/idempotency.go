package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/loomlabs/loom/core"
)

// DefaultIdempotencyTTL bounds how long completed results are replayable.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyRecord is the stored outcome of one logical request. Redelivery
// of the same idempotency key replays Result instead of re-executing.
type IdempotencyRecord struct {
	MessageID   string          `json:"message_id"`
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// IdempotencyStore maps (tenant, actor, key) to a completed result. Get
// returns nil without error on a miss. Put is first-writer-wins: it reports
// false when a record already exists.
type IdempotencyStore interface {
	Get(ctx context.Context, ref core.ActorRef, key string) (*IdempotencyRecord, error)
	Put(ctx context.Context, ref core.ActorRef, key string, record *IdempotencyRecord) (bool, error)
}

func idempotencyField(ref core.ActorRef, key string) string {
	return "idem:" + ref.String() + ":" + key
}

// MemoryIdempotencyStore is the in-process store for tests and single-node
// deployments. Records expire lazily on read.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]memoryIdemEntry
	ttl     time.Duration
	clock   func() time.Time
}

type memoryIdemEntry struct {
	record IdempotencyRecord
	expiry time.Time
}

// NewMemoryIdempotencyStore creates an empty store. A non-positive ttl falls
// back to DefaultIdempotencyTTL.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryIdempotencyStore{
		records: make(map[string]memoryIdemEntry),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *MemoryIdempotencyStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *MemoryIdempotencyStore) Get(ctx context.Context, ref core.ActorRef, key string) (*IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	field := idempotencyField(ref, key)
	entry, ok := s.records[field]
	if !ok {
		return nil, nil
	}
	if !s.clock().Before(entry.expiry) {
		delete(s.records, field)
		return nil, nil
	}
	record := entry.record
	return &record, nil
}

func (s *MemoryIdempotencyStore) Put(ctx context.Context, ref core.ActorRef, key string, record *IdempotencyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	field := idempotencyField(ref, key)
	if entry, ok := s.records[field]; ok && s.clock().Before(entry.expiry) {
		return false, nil
	}
	s.records[field] = memoryIdemEntry{record: *record, expiry: s.clock().Add(s.ttl)}
	return true, nil
}

// RedisIdempotencyStore keeps completed results in Redis under a TTL. SETNX
// makes concurrent completions single-winner across workers.
type RedisIdempotencyStore struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisIdempotencyStore creates the store over an existing client.
func NewRedisIdempotencyStore(client *redis.Client, namespace string, ttl time.Duration) (*RedisIdempotencyStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required: %w", core.ErrConfigInvalid)
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{client: client, namespace: namespace, ttl: ttl}, nil
}

func (s *RedisIdempotencyStore) key(ref core.ActorRef, key string) string {
	return core.FormatKey(s.namespace, idempotencyField(ref, key))
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, ref core.ActorRef, key string) (*IdempotencyRecord, error) {
	data, err := s.client.Get(ctx, s.key(ref, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &core.PlatformError{Op: "idempotency.Get", Kind: "state", ID: key, Err: err}
	}
	var record IdempotencyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, &core.PlatformError{Op: "idempotency.Get", Kind: "state", ID: key, Err: err}
	}
	return &record, nil
}

func (s *RedisIdempotencyStore) Put(ctx context.Context, ref core.ActorRef, key string, record *IdempotencyRecord) (bool, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return false, &core.PlatformError{Op: "idempotency.Put", Kind: "state", ID: key, Err: err}
	}
	ok, err := s.client.SetNX(ctx, s.key(ref, key), data, s.ttl).Result()
	if err != nil {
		return false, &core.PlatformError{Op: "idempotency.Put", Kind: "state", ID: key, Err: err}
	}
	return ok, nil
}
