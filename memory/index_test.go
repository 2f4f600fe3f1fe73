package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loomlabs/loom/core"
)

// stubEmbedder returns canned vectors per text so tests control similarity
// exactly.
type stubEmbedder struct {
	dim     int
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	v := make([]float32, s.dim)
	v[s.dim-1] = 1
	return v, nil
}

func (s *stubEmbedder) Dimension() int { return s.dim }

func newTestIndex(t *testing.T, config IndexConfig) (*Index, *MemoryContainer, *stubEmbedder) {
	t.Helper()
	container := NewMemoryContainer()
	embedder := &stubEmbedder{dim: 3, vectors: map[string][]float32{}}
	config.Embedder = embedder
	config.Container = container
	ix, err := NewIndex(&config)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	return ix, container, embedder
}

func countItems(t *testing.T, container *MemoryContainer, tenantID string) int {
	t.Helper()
	n := 0
	if err := container.Scan(context.Background(), tenantID, func(*core.MemoryItem) bool {
		n++
		return true
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return n
}

func TestAddDedupMerges(t *testing.T) {
	ix, container, embedder := newTestIndex(t, IndexConfig{
		DedupEnabled:   true,
		DedupThreshold: 0.95,
	})
	ctx := context.Background()

	// cosine(a, b) ~ 0.990, cosine(a, c) = 0.
	embedder.vectors["the invoice was paid"] = []float32{1, 0, 0}
	embedder.vectors["invoice paid in full"] = []float32{0.99, 0.14, 0}
	embedder.vectors["weather is sunny"] = []float32{0, 1, 0}

	first, err := ix.Add(ctx, &core.MemoryItem{
		TenantID: "acme", ThreadID: "t1", Text: "the invoice was paid",
	}, nil)
	if err != nil {
		t.Fatalf("first Add: %v", err)
	}

	second, err := ix.Add(ctx, &core.MemoryItem{
		TenantID: "acme", ThreadID: "t1", Text: "invoice paid in full",
	}, nil)
	if err != nil {
		t.Fatalf("second Add: %v", err)
	}
	if second != first {
		t.Fatalf("duplicate add returned %s, want existing id %s", second, first)
	}

	merged, err := ix.Get(ctx, "acme", first)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if merged.Metadata.Occurrences != 2 {
		t.Errorf("occurrences = %d, want 2", merged.Metadata.Occurrences)
	}
	want := "the invoice was paid\ninvoice paid in full"
	if merged.Text != want {
		t.Errorf("merged text = %q, want %q", merged.Text, want)
	}
	if n := countItems(t, container, "acme"); n != 1 {
		t.Errorf("item count = %d, want 1 after merge", n)
	}

	// A dissimilar item inserts fresh.
	third, err := ix.Add(ctx, &core.MemoryItem{
		TenantID: "acme", ThreadID: "t1", Text: "weather is sunny",
	}, nil)
	if err != nil {
		t.Fatalf("third Add: %v", err)
	}
	if third == first {
		t.Error("dissimilar add merged into existing item")
	}
	if n := countItems(t, container, "acme"); n != 2 {
		t.Errorf("item count = %d, want 2", n)
	}
}

func TestAddDedupMergesAtExactThreshold(t *testing.T) {
	ix, container, embedder := newTestIndex(t, IndexConfig{
		DedupEnabled:   true,
		DedupThreshold: 1.0,
	})
	ctx := context.Background()

	// Identical axis vectors score similarity 1.0 exactly, sitting right
	// on the threshold. The match is inclusive, so the adds merge.
	embedder.vectors["ship the order"] = []float32{0, 1, 0}
	embedder.vectors["order shipped"] = []float32{0, 1, 0}

	first, err := ix.Add(ctx, &core.MemoryItem{
		TenantID: "acme", ThreadID: "t1", Text: "ship the order",
	}, nil)
	if err != nil {
		t.Fatalf("first Add: %v", err)
	}

	second, err := ix.Add(ctx, &core.MemoryItem{
		TenantID: "acme", ThreadID: "t1", Text: "order shipped",
	}, nil)
	if err != nil {
		t.Fatalf("second Add: %v", err)
	}
	if second != first {
		t.Fatalf("add at exact threshold returned %s, want existing id %s", second, first)
	}
	if n := countItems(t, container, "acme"); n != 1 {
		t.Errorf("item count = %d, want 1 after threshold-boundary merge", n)
	}
}

func TestAddDedupRespectsPartition(t *testing.T) {
	ix, _, embedder := newTestIndex(t, IndexConfig{
		DedupEnabled:   true,
		DedupThreshold: 0.95,
	})
	ctx := context.Background()
	embedder.vectors["same fact"] = []float32{1, 0, 0}

	a, err := ix.Add(ctx, &core.MemoryItem{TenantID: "acme", ThreadID: "t1", Text: "same fact"}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	b, err := ix.Add(ctx, &core.MemoryItem{TenantID: "acme", ThreadID: "t2", Text: "same fact"}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if a == b {
		t.Error("dedup merged across thread boundaries")
	}

	c, err := ix.Add(ctx, &core.MemoryItem{TenantID: "globex", ThreadID: "t1", Text: "same fact"}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if c == a {
		t.Error("dedup merged across tenant boundaries")
	}
}

func TestAddEmbedsWhenAbsent(t *testing.T) {
	ix, _, embedder := newTestIndex(t, IndexConfig{})
	ctx := context.Background()
	embedder.vectors["hello"] = []float32{0, 1, 0}

	id, err := ix.Add(ctx, &core.MemoryItem{TenantID: "acme", Text: "hello"}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	item, err := ix.Get(ctx, "acme", id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(item.Embedding) != 3 || item.Embedding[1] != 1 {
		t.Errorf("embedding = %v, want [0 1 0]", item.Embedding)
	}
	if item.Metadata.Hash == "" {
		t.Error("content hash not set")
	}
	if item.Kind != core.MemoryShortTerm {
		t.Errorf("kind = %q, want default short-term", item.Kind)
	}

	skipped, err := ix.Add(ctx, &core.MemoryItem{TenantID: "acme", Text: "raw"}, &AddOptions{SkipEmbedding: true})
	if err != nil {
		t.Fatalf("Add skip: %v", err)
	}
	raw, _ := ix.Get(ctx, "acme", skipped)
	if len(raw.Embedding) != 0 {
		t.Errorf("skip-embedding item has embedding %v", raw.Embedding)
	}
}

func TestAddRejectsWrongDimension(t *testing.T) {
	ix, _, _ := newTestIndex(t, IndexConfig{})
	_, err := ix.Add(context.Background(), &core.MemoryItem{
		TenantID:  "acme",
		Text:      "bad",
		Embedding: []float32{1, 0},
	}, nil)
	if !errors.Is(err, core.ErrDimensionMismatch) {
		t.Errorf("error = %v, want ErrDimensionMismatch", err)
	}
}

func TestSearchOrdersByDistance(t *testing.T) {
	ix, _, embedder := newTestIndex(t, IndexConfig{})
	ctx := context.Background()
	embedder.vectors["query"] = []float32{1, 0, 0}
	embedder.vectors["near"] = []float32{0.99, 0.14, 0}
	embedder.vectors["mid"] = []float32{0.7, 0.7, 0}
	embedder.vectors["far"] = []float32{0, 1, 0}

	for _, text := range []string{"far", "mid", "near"} {
		if _, err := ix.Add(ctx, &core.MemoryItem{TenantID: "acme", Text: text}, nil); err != nil {
			t.Fatalf("Add %s: %v", text, err)
		}
	}

	matches, err := ix.Search(ctx, "query", "acme", &SearchOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].Item.Text != "near" || matches[1].Item.Text != "mid" {
		t.Errorf("order = %q, %q; want near, mid", matches[0].Item.Text, matches[1].Item.Text)
	}
	if matches[0].Distance >= matches[1].Distance {
		t.Errorf("distances not ascending: %f, %f", matches[0].Distance, matches[1].Distance)
	}
}

func TestSemanticCacheHitAndExpiry(t *testing.T) {
	ix, container, embedder := newTestIndex(t, IndexConfig{
		CacheThreshold: 0.98,
	})
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ix.SetClock(clock)
	container.SetClock(clock)

	// cosine ~ 0.999, comfortably above 0.98.
	embedder.vectors["What is the foundation condition?"] = []float32{1, 0, 0}
	embedder.vectors["How is the foundation?"] = []float32{0.999, 0.0447, 0}

	if _, err := ix.AddToCache(ctx, "What is the foundation condition?", "The foundation is stable.", "acme", &CacheAddOptions{
		TTL: 3600 * time.Second,
	}); err != nil {
		t.Fatalf("AddToCache: %v", err)
	}

	now = now.Add(100 * time.Second)
	hit, err := ix.CheckSemanticCache(ctx, "How is the foundation?", "acme", nil)
	if err != nil {
		t.Fatalf("CheckSemanticCache: %v", err)
	}
	if hit == nil {
		t.Fatal("expected cache hit")
	}
	if hit.Response != "The foundation is stable." {
		t.Errorf("response = %q", hit.Response)
	}
	if hit.Age != 100*time.Second {
		t.Errorf("age = %v, want 100s", hit.Age)
	}
	if hit.Similarity < 0.98 {
		t.Errorf("similarity = %f, want >= 0.98", hit.Similarity)
	}

	// Past the TTL the entry is gone.
	now = now.Add(3600 * time.Second)
	hit, err = ix.CheckSemanticCache(ctx, "How is the foundation?", "acme", nil)
	if err != nil {
		t.Fatalf("CheckSemanticCache after expiry: %v", err)
	}
	if hit != nil {
		t.Errorf("expected absent after TTL, got %+v", hit)
	}
}

func TestSemanticCacheMaxAge(t *testing.T) {
	ix, container, embedder := newTestIndex(t, IndexConfig{CacheThreshold: 0.9})
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ix.SetClock(clock)
	container.SetClock(clock)

	embedder.vectors["q"] = []float32{1, 0, 0}
	if _, err := ix.AddToCache(ctx, "q", "r", "acme", &CacheAddOptions{TTL: time.Hour}); err != nil {
		t.Fatalf("AddToCache: %v", err)
	}

	now = now.Add(10 * time.Minute)
	hit, err := ix.CheckSemanticCache(ctx, "q", "acme", &CacheCheckOptions{MaxAge: 5 * time.Minute})
	if err != nil {
		t.Fatalf("CheckSemanticCache: %v", err)
	}
	if hit != nil {
		t.Error("hit older than MaxAge should be absent")
	}

	hit, err = ix.CheckSemanticCache(ctx, "q", "acme", &CacheCheckOptions{MaxAge: 15 * time.Minute})
	if err != nil {
		t.Fatalf("CheckSemanticCache: %v", err)
	}
	if hit == nil {
		t.Error("hit within MaxAge should be returned")
	}
}

func TestCacheEntriesNeverMerge(t *testing.T) {
	ix, container, embedder := newTestIndex(t, IndexConfig{
		DedupEnabled:   true,
		DedupThreshold: 0.5,
	})
	ctx := context.Background()
	embedder.vectors["q1"] = []float32{1, 0, 0}
	embedder.vectors["q2"] = []float32{0.99, 0.14, 0}

	a, err := ix.AddToCache(ctx, "q1", "r1", "acme", nil)
	if err != nil {
		t.Fatalf("AddToCache: %v", err)
	}
	b, err := ix.AddToCache(ctx, "q2", "r2", "acme", nil)
	if err != nil {
		t.Fatalf("AddToCache: %v", err)
	}
	if a == b {
		t.Error("cache inserts merged")
	}
	if n := countItems(t, container, "acme"); n != 2 {
		t.Errorf("item count = %d, want 2", n)
	}

	// Same query text lands in the same derived thread.
	again, err := ix.AddToCache(ctx, "q1", "r3", "acme", nil)
	if err != nil {
		t.Fatalf("AddToCache: %v", err)
	}
	first, _ := ix.Get(ctx, "acme", a)
	repeat, _ := ix.Get(ctx, "acme", again)
	if first.ThreadID != repeat.ThreadID {
		t.Errorf("thread ids differ for same query: %s vs %s", first.ThreadID, repeat.ThreadID)
	}
}

func TestGetRecentMemories(t *testing.T) {
	ix, container, _ := newTestIndex(t, IndexConfig{})
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ix.SetClock(clock)
	container.SetClock(clock)

	for i := 0; i < 5; i++ {
		if _, err := ix.Add(ctx, &core.MemoryItem{
			TenantID:  "acme",
			ThreadID:  "conv-1",
			TurnIndex: i,
			Text:      "turn",
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		}, &AddOptions{SkipEmbedding: true}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	recent, err := ix.GetRecentMemories(ctx, "acme", "conv-1", 3)
	if err != nil {
		t.Fatalf("GetRecentMemories: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("recent = %d, want 3", len(recent))
	}
	if recent[0].TurnIndex != 4 || recent[1].TurnIndex != 3 || recent[2].TurnIndex != 2 {
		t.Errorf("turn order = %d,%d,%d; want 4,3,2",
			recent[0].TurnIndex, recent[1].TurnIndex, recent[2].TurnIndex)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	container := NewMemoryContainer()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	container.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if err := container.Insert(ctx, &core.MemoryItem{
		ID: "a", TenantID: "acme", Timestamp: now, TTLSec: 60,
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := container.Insert(ctx, &core.MemoryItem{
		ID: "b", TenantID: "acme", Timestamp: now,
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	now = now.Add(2 * time.Minute)
	removed, err := container.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := container.Get(ctx, "acme", "a"); !errors.Is(err, core.ErrMemoryItemNotFound) {
		t.Errorf("expired item still readable: %v", err)
	}
	if _, err := container.Get(ctx, "acme", "b"); err != nil {
		t.Errorf("non-TTL item swept: %v", err)
	}
}

func TestIndexRequiresPositiveDimension(t *testing.T) {
	_, err := NewIndex(&IndexConfig{
		Embedder:  &stubEmbedder{dim: 0},
		Container: NewMemoryContainer(),
	})
	if !errors.Is(err, core.ErrDimensionMismatch) {
		t.Errorf("error = %v, want ErrDimensionMismatch", err)
	}
}
