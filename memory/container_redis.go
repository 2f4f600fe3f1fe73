package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/loomlabs/loom/core"
)

// RedisContainer stores memory items as JSON values with native TTL expiry,
// a per-tenant id set for scans, and a per-thread list for recency lookups.
type RedisContainer struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
	clock     func() time.Time
}

func NewRedisContainer(client *redis.Client, namespace string, logger core.Logger) *RedisContainer {
	if namespace == "" {
		namespace = "loom"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("loom/memory")
	}
	return &RedisContainer{
		client:    client,
		namespace: namespace,
		logger:    logger,
		clock:     time.Now,
	}
}

func (c *RedisContainer) itemKey(tenantID, id string) string {
	return fmt.Sprintf("%s:memory:%s:item:%s", c.namespace, tenantID, id)
}

func (c *RedisContainer) idsKey(tenantID string) string {
	return fmt.Sprintf("%s:memory:%s:ids", c.namespace, tenantID)
}

func (c *RedisContainer) recentKey(tenantID, threadID string) string {
	return fmt.Sprintf("%s:memory:%s:recent:%s", c.namespace, tenantID, threadID)
}

// recentCap bounds the per-thread recency list.
const recentCap = 200

func (c *RedisContainer) write(ctx context.Context, item *core.MemoryItem, updateRecent bool) error {
	data, err := json.Marshal(item)
	if err != nil {
		return &core.PlatformError{Op: "memory.write", Kind: "memory", ID: item.ID, Err: err}
	}

	var ttl time.Duration
	if item.TTLSec > 0 {
		ttl = item.Timestamp.Add(time.Duration(item.TTLSec) * time.Second).Sub(c.clock())
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.itemKey(item.TenantID, item.ID), data, ttl)
	pipe.SAdd(ctx, c.idsKey(item.TenantID), item.ID)
	if updateRecent && item.ThreadID != "" {
		pipe.LPush(ctx, c.recentKey(item.TenantID, item.ThreadID), item.ID)
		pipe.LTrim(ctx, c.recentKey(item.TenantID, item.ThreadID), 0, recentCap-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &core.PlatformError{Op: "memory.write", Kind: "memory", ID: item.ID, Err: err}
	}
	return nil
}

func (c *RedisContainer) Insert(ctx context.Context, item *core.MemoryItem) error {
	return c.write(ctx, item, true)
}

func (c *RedisContainer) Get(ctx context.Context, tenantID, id string) (*core.MemoryItem, error) {
	data, err := c.client.Get(ctx, c.itemKey(tenantID, id)).Bytes()
	if err == redis.Nil {
		return nil, &core.PlatformError{Op: "memory.Get", Kind: "memory", ID: id, Err: core.ErrMemoryItemNotFound}
	}
	if err != nil {
		return nil, &core.PlatformError{Op: "memory.Get", Kind: "memory", ID: id, Err: err}
	}
	var item core.MemoryItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, &core.PlatformError{Op: "memory.Get", Kind: "memory", ID: id, Err: err}
	}
	return &item, nil
}

// Update rewrites the item without touching the recency list: merges keep
// their original position in the thread history.
func (c *RedisContainer) Update(ctx context.Context, item *core.MemoryItem) error {
	exists, err := c.client.Exists(ctx, c.itemKey(item.TenantID, item.ID)).Result()
	if err != nil {
		return &core.PlatformError{Op: "memory.Update", Kind: "memory", ID: item.ID, Err: err}
	}
	if exists == 0 {
		return &core.PlatformError{Op: "memory.Update", Kind: "memory", ID: item.ID, Err: core.ErrMemoryItemNotFound}
	}
	return c.write(ctx, item, false)
}

func (c *RedisContainer) Delete(ctx context.Context, tenantID, id string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.itemKey(tenantID, id))
	pipe.SRem(ctx, c.idsKey(tenantID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return &core.PlatformError{Op: "memory.Delete", Kind: "memory", ID: id, Err: err}
	}
	return nil
}

func (c *RedisContainer) Scan(ctx context.Context, tenantID string, visit func(*core.MemoryItem) bool) error {
	ids, err := c.client.SMembers(ctx, c.idsKey(tenantID)).Result()
	if err != nil {
		return &core.PlatformError{Op: "memory.Scan", Kind: "memory", ID: tenantID, Err: err}
	}
	for _, id := range ids {
		item, err := c.Get(ctx, tenantID, id)
		if err != nil {
			if core.IsNotFound(err) {
				// Value expired under the id set; drop the stale index entry.
				if remErr := c.client.SRem(ctx, c.idsKey(tenantID), id).Err(); remErr != nil {
					c.logger.Warn("Failed to prune expired memory id", map[string]interface{}{
						"operation": "memory_scan",
						"tenant_id": tenantID,
						"item_id":   id,
						"error":     remErr.Error(),
					})
				}
				continue
			}
			return err
		}
		if !visit(item) {
			return nil
		}
	}
	return nil
}

func (c *RedisContainer) Recent(ctx context.Context, tenantID, threadID string, limit int) ([]*core.MemoryItem, error) {
	if limit <= 0 {
		limit = recentCap
	}
	ids, err := c.client.LRange(ctx, c.recentKey(tenantID, threadID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, &core.PlatformError{Op: "memory.Recent", Kind: "memory", ID: threadID, Err: err}
	}
	items := make([]*core.MemoryItem, 0, len(ids))
	for _, id := range ids {
		item, err := c.Get(ctx, tenantID, id)
		if err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
