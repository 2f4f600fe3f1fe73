package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/loomlabs/loom/core"
)

// RedisStore persists configuration records in Redis, partitioned by the
// second path segment so a tenant's entries group under one key prefix.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

// NewRedisStore creates a Redis-backed configuration store.
func NewRedisStore(client *redis.Client, namespace string, logger core.Logger) *RedisStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisStore{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (s *RedisStore) key(path string) string {
	return fmt.Sprintf("%s:config:%s:%s", s.namespace, Partition(path), path)
}

func (s *RedisStore) Get(ctx context.Context, path string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(path)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &core.PlatformError{Op: "config.Get", Kind: "config", ID: path, Err: err}
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &core.PlatformError{Op: "config.Get", Kind: "config", ID: path, Err: err}
	}
	return &rec, nil
}

func (s *RedisStore) Set(ctx context.Context, path string, value json.RawMessage) error {
	now := time.Now().UTC()
	rec := Record{KeyPath: path, Value: value, CreatedAt: now, UpdatedAt: now}

	// Preserve CreatedAt across overwrites.
	if existing, err := s.Get(ctx, path); err == nil && existing != nil {
		rec.CreatedAt = existing.CreatedAt
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return &core.PlatformError{Op: "config.Set", Kind: "config", ID: path, Err: err}
	}
	if err := s.client.Set(ctx, s.key(path), data, 0).Err(); err != nil {
		s.logger.Error("Failed to persist config value", map[string]interface{}{
			"operation": "config_set",
			"key_path":  path,
			"error":     err.Error(),
		})
		return &core.PlatformError{Op: "config.Set", Kind: "config", ID: path, Err: err}
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	if err := s.client.Del(ctx, s.key(path)).Err(); err != nil {
		return &core.PlatformError{Op: "config.Delete", Kind: "config", ID: path, Err: err}
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := fmt.Sprintf("%s:config:*", s.namespace)
	marker := s.namespace + ":config:"

	var paths []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), marker)
		// Keys are "<partition>:<path>"; the path itself never contains a colon.
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			continue
		}
		path := parts[1]
		if prefix == "" || strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, &core.PlatformError{Op: "config.List", Kind: "config", Err: err}
	}
	return paths, nil
}
