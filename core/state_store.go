package core

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// MemoryStateStore is an in-memory implementation of StateStore for tests and
// single-process deployments.
type MemoryStateStore struct {
	mu      sync.RWMutex
	records map[string]*ActorRecord
	logger  Logger
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		records: make(map[string]*ActorRecord),
		logger:  &NoOpLogger{},
	}
}

// SetLogger configures the logger for this store.
func (s *MemoryStateStore) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *MemoryStateStore) Load(ctx context.Context, ref ActorRef) (*ActorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[ref.String()]
	if !exists {
		return nil, nil
	}
	// Deep copy so callers cannot mutate the stored record.
	return cloneRecord(record), nil
}

func (s *MemoryStateStore) Save(ctx context.Context, ref ActorRef, record *ActorRecord) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[ref.String()] = cloneRecord(record)

	s.logger.Debug("Actor record saved", map[string]interface{}{
		"operation":     "state_save",
		"actor_ref":     ref.String(),
		"journal_len":   len(record.Journal),
		"logical_clock": record.LogicalClock,
	})
	return nil
}

func (s *MemoryStateStore) Delete(ctx context.Context, ref ActorRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, ref.String())
	return nil
}

func (s *MemoryStateStore) Keys(ctx context.Context) ([]ActorRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]ActorRef, 0, len(s.records))
	for key := range s.records {
		if ref, ok := parseRefKey(key); ok {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func cloneRecord(record *ActorRecord) *ActorRecord {
	if record == nil {
		return nil
	}
	clone := *record
	clone.State = append(json.RawMessage(nil), record.State...)
	clone.Journal = append([]JournalEntry(nil), record.Journal...)
	if record.LastInvocation != nil {
		last := *record.LastInvocation
		clone.LastInvocation = &last
	}
	return &clone
}

func parseRefKey(key string) (ActorRef, bool) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 {
		return ActorRef{}, false
	}
	return ActorRef{TenantID: parts[0], ActorType: parts[1], ActorID: parts[2]}, true
}

// RedisStateStore persists actor records as JSON values under
// {namespace}:actors:{tenant}/{type}/{id}.
type RedisStateStore struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// NewRedisStateStore creates a state store on an already-connected client.
func NewRedisStateStore(client *redis.Client, namespace string, logger Logger) *RedisStateStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("loom/state")
	}
	return &RedisStateStore{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (s *RedisStateStore) key(ref ActorRef) string {
	return FormatKey(s.namespace, "actors:"+ref.String())
}

func (s *RedisStateStore) Load(ctx context.Context, ref ActorRef) (*ActorRecord, error) {
	data, err := s.client.Get(ctx, s.key(ref)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, NewPlatformError("state.Load", "state", err)
	}

	var record ActorRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, NewPlatformError("state.Load", "state", err)
	}
	return &record, nil
}

func (s *RedisStateStore) Save(ctx context.Context, ref ActorRef, record *ActorRecord) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	record.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(record)
	if err != nil {
		return NewPlatformError("state.Save", "state", err)
	}
	if err := s.client.Set(ctx, s.key(ref), data, 0).Err(); err != nil {
		return NewPlatformError("state.Save", "state", err)
	}

	s.logger.Debug("Actor record saved", map[string]interface{}{
		"operation":     "state_save",
		"actor_ref":     ref.String(),
		"journal_len":   len(record.Journal),
		"logical_clock": record.LogicalClock,
		"bytes":         len(data),
	})
	return nil
}

func (s *RedisStateStore) Delete(ctx context.Context, ref ActorRef) error {
	return s.client.Del(ctx, s.key(ref)).Err()
}

func (s *RedisStateStore) Keys(ctx context.Context) ([]ActorRef, error) {
	prefix := FormatKey(s.namespace, "actors:")
	var refs []ActorRef
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 256).Result()
		if err != nil {
			return nil, NewPlatformError("state.Keys", "state", err)
		}
		for _, key := range keys {
			if ref, ok := parseRefKey(strings.TrimPrefix(key, prefix)); ok {
				refs = append(refs, ref)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return refs, nil
}
