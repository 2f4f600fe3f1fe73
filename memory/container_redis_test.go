package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/loomlabs/loom/core"
)

func newTestRedisContainer(t *testing.T) (*RedisContainer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisContainer(client, "loom", nil), mr
}

func TestRedisContainerRoundTrip(t *testing.T) {
	c, _ := newTestRedisContainer(t)
	ctx := context.Background()

	item := &core.MemoryItem{
		ID:        "m1",
		TenantID:  "acme",
		ThreadID:  "conv-1",
		Text:      "hello",
		Embedding: []float32{1, 0, 0},
		Timestamp: time.Now().UTC(),
		Kind:      core.MemoryShortTerm,
		Metadata:  core.MemoryItemMetadata{Hash: "h", Occurrences: 1},
	}
	if err := c.Insert(ctx, item); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := c.Get(ctx, "acme", "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Text != "hello" || got.Metadata.Occurrences != 1 || len(got.Embedding) != 3 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	got.Text = "hello\nagain"
	got.Metadata.Occurrences = 2
	if err := c.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	updated, _ := c.Get(ctx, "acme", "m1")
	if updated.Metadata.Occurrences != 2 {
		t.Errorf("occurrences = %d, want 2", updated.Metadata.Occurrences)
	}

	if err := c.Delete(ctx, "acme", "m1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, "acme", "m1"); !errors.Is(err, core.ErrMemoryItemNotFound) {
		t.Errorf("after delete: %v, want ErrMemoryItemNotFound", err)
	}
}

func TestRedisContainerUpdateMissing(t *testing.T) {
	c, _ := newTestRedisContainer(t)
	err := c.Update(context.Background(), &core.MemoryItem{ID: "nope", TenantID: "acme"})
	if !errors.Is(err, core.ErrMemoryItemNotFound) {
		t.Errorf("error = %v, want ErrMemoryItemNotFound", err)
	}
}

func TestRedisContainerScanSkipsExpired(t *testing.T) {
	c, mr := newTestRedisContainer(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := c.Insert(ctx, &core.MemoryItem{ID: "short", TenantID: "acme", Timestamp: now, TTLSec: 60}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := c.Insert(ctx, &core.MemoryItem{ID: "keep", TenantID: "acme", Timestamp: now}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	var seen []string
	if err := c.Scan(ctx, "acme", func(item *core.MemoryItem) bool {
		seen = append(seen, item.ID)
		return true
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(seen) != 1 || seen[0] != "keep" {
		t.Errorf("scan saw %v, want [keep]", seen)
	}
}

func TestRedisContainerRecent(t *testing.T) {
	c, _ := newTestRedisContainer(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		if err := c.Insert(ctx, &core.MemoryItem{
			ID:        id,
			TenantID:  "acme",
			ThreadID:  "conv-1",
			TurnIndex: i,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}

	recent, err := c.Recent(ctx, "acme", "conv-1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		t.Errorf("recent = %v, want [c b]", recent)
	}
}

func TestIndexOverRedisContainer(t *testing.T) {
	c, _ := newTestRedisContainer(t)
	embedder := &stubEmbedder{dim: 3, vectors: map[string][]float32{
		"alpha": {1, 0, 0},
		"beta":  {0.99, 0.14, 0},
	}}
	ix, err := NewIndex(&IndexConfig{
		Embedder:       embedder,
		Container:      c,
		DedupEnabled:   true,
		DedupThreshold: 0.95,
	})
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	ctx := context.Background()

	first, err := ix.Add(ctx, &core.MemoryItem{TenantID: "acme", ThreadID: "t1", Text: "alpha"}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	second, err := ix.Add(ctx, &core.MemoryItem{TenantID: "acme", ThreadID: "t1", Text: "beta"}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if second != first {
		t.Errorf("dedup over redis returned %s, want %s", second, first)
	}
	merged, err := ix.Get(ctx, "acme", first)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if merged.Metadata.Occurrences != 2 {
		t.Errorf("occurrences = %d, want 2", merged.Metadata.Occurrences)
	}
}
