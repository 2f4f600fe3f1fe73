package config

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Record is a stored configuration value together with the timestamps the
// cache layer uses for freshness checks.
type Record struct {
	KeyPath   string          `json:"key_path"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is a flat key-path to value mapping. Both the persistence layer and
// the cache layer implement it; the resolver composes the two.
type Store interface {
	// Get returns the record at path, or nil when no value exists.
	Get(ctx context.Context, path string) (*Record, error)

	// Set writes value at path, creating or replacing the record.
	Set(ctx context.Context, path string, value json.RawMessage) error

	// Delete removes the record at path. Deleting an absent path is not an
	// error.
	Delete(ctx context.Context, path string) error

	// List returns the key paths currently stored under prefix, in no
	// particular order. An empty prefix lists everything.
	List(ctx context.Context, prefix string) ([]string, error)
}

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		clock:   time.Now,
	}
}

// SetClock overrides the time source. Used by tests to control TTL expiry.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *MemoryStore) Get(_ context.Context, path string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[path]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.Value = append(json.RawMessage(nil), rec.Value...)
	return &cp, nil
}

func (s *MemoryStore) Set(_ context.Context, path string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	rec, ok := s.records[path]
	if !ok {
		rec = &Record{KeyPath: path, CreatedAt: now}
		s.records[path] = rec
	}
	rec.Value = append(json.RawMessage(nil), value...)
	rec.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, path)
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.records))
	for path := range s.records {
		if prefix == "" || strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	return paths, nil
}
