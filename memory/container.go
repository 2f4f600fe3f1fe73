package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomlabs/loom/core"
)

// Container is the storage port behind the index. Implementations hold items
// partitioned by tenant; the index performs the vector math.
type Container interface {
	Insert(ctx context.Context, item *core.MemoryItem) error
	Get(ctx context.Context, tenantID, id string) (*core.MemoryItem, error)
	Update(ctx context.Context, item *core.MemoryItem) error
	Delete(ctx context.Context, tenantID, id string) error

	// Scan visits every live item for a tenant. Returning false from visit
	// stops the scan early.
	Scan(ctx context.Context, tenantID string, visit func(*core.MemoryItem) bool) error

	// Recent returns up to limit items for a thread, newest first.
	Recent(ctx context.Context, tenantID, threadID string, limit int) ([]*core.MemoryItem, error)
}

// Sweeper is implemented by containers that need periodic expiry of items
// whose TTL has passed. Redis-backed containers expire natively and do not
// implement it.
type Sweeper interface {
	Sweep(ctx context.Context) (removed int, err error)
}

// MemoryContainer is the in-process Container. Items expire lazily on read
// and eagerly via Sweep.
type MemoryContainer struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*core.MemoryItem
	clock   func() time.Time
}

func NewMemoryContainer() *MemoryContainer {
	return &MemoryContainer{
		tenants: make(map[string]map[string]*core.MemoryItem),
		clock:   time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (c *MemoryContainer) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

func expired(item *core.MemoryItem, now time.Time) bool {
	if item.TTLSec <= 0 {
		return false
	}
	return now.After(item.Timestamp.Add(time.Duration(item.TTLSec) * time.Second))
}

func cloneItem(item *core.MemoryItem) *core.MemoryItem {
	cp := *item
	cp.Embedding = append([]float32(nil), item.Embedding...)
	if item.Metadata.Extra != nil {
		extra := make(map[string]interface{}, len(item.Metadata.Extra))
		for k, v := range item.Metadata.Extra {
			extra[k] = v
		}
		cp.Metadata.Extra = extra
	}
	return &cp
}

func (c *MemoryContainer) Insert(_ context.Context, item *core.MemoryItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.tenants[item.TenantID]
	if !ok {
		byID = make(map[string]*core.MemoryItem)
		c.tenants[item.TenantID] = byID
	}
	byID[item.ID] = cloneItem(item)
	return nil
}

func (c *MemoryContainer) Get(_ context.Context, tenantID, id string) (*core.MemoryItem, error) {
	c.mu.RLock()
	item, ok := c.tenants[tenantID][id]
	now := c.clock()
	c.mu.RUnlock()
	if !ok || expired(item, now) {
		return nil, &core.PlatformError{Op: "memory.Get", Kind: "memory", ID: id, Err: core.ErrMemoryItemNotFound}
	}
	return cloneItem(item), nil
}

func (c *MemoryContainer) Update(_ context.Context, item *core.MemoryItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tenants[item.TenantID][item.ID]; !ok {
		return &core.PlatformError{Op: "memory.Update", Kind: "memory", ID: item.ID, Err: core.ErrMemoryItemNotFound}
	}
	c.tenants[item.TenantID][item.ID] = cloneItem(item)
	return nil
}

func (c *MemoryContainer) Delete(_ context.Context, tenantID, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tenants[tenantID], id)
	return nil
}

func (c *MemoryContainer) Scan(_ context.Context, tenantID string, visit func(*core.MemoryItem) bool) error {
	c.mu.RLock()
	now := c.clock()
	items := make([]*core.MemoryItem, 0, len(c.tenants[tenantID]))
	for _, item := range c.tenants[tenantID] {
		if expired(item, now) {
			continue
		}
		items = append(items, cloneItem(item))
	}
	c.mu.RUnlock()
	for _, item := range items {
		if !visit(item) {
			return nil
		}
	}
	return nil
}

func (c *MemoryContainer) Recent(_ context.Context, tenantID, threadID string, limit int) ([]*core.MemoryItem, error) {
	c.mu.RLock()
	now := c.clock()
	var items []*core.MemoryItem
	for _, item := range c.tenants[tenantID] {
		if item.ThreadID != threadID || expired(item, now) {
			continue
		}
		items = append(items, cloneItem(item))
	}
	c.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Timestamp.After(items[j].Timestamp)
		}
		return items[i].TurnIndex > items[j].TurnIndex
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Sweep removes every expired item and reports how many were dropped.
func (c *MemoryContainer) Sweep(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	removed := 0
	for _, byID := range c.tenants {
		for id, item := range byID {
			if expired(item, now) {
				delete(byID, id)
				removed++
			}
		}
	}
	return removed, nil
}
