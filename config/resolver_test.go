package config

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomlabs/loom/core"
)

func newTestResolver(t *testing.T, cacheTTL time.Duration) (*Resolver, *MemoryStore, *MemoryStore) {
	t.Helper()
	persist := NewMemoryStore()
	var cache *MemoryStore
	opts := ResolverOptions{Persist: persist, CacheTTL: cacheTTL}
	if cacheTTL > 0 {
		cache = NewMemoryStore()
		opts.Cache = cache
	}
	r, err := NewResolver(opts)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	return r, persist, cache
}

func TestResolveFallbackLevels(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestResolver(t, 0)

	mustSet := func(path, value string) {
		t.Helper()
		if err := r.Set(ctx, path, json.RawMessage(`"`+value+`"`)); err != nil {
			t.Fatalf("Set(%q) failed: %v", path, err)
		}
	}
	mustSet("global/llm", "A")
	mustSet("acme/llm", "B")
	mustSet("acme/finance/llm", "C")

	cctx := core.ConfigContext{
		core.DimClientID:    "acme",
		core.DimTenantID:    "finance",
		core.DimEnvironment: "prod",
	}

	resolve := func() string {
		t.Helper()
		value, err := r.GetConfig(ctx, "llm", cctx)
		if err != nil {
			t.Fatalf("GetConfig failed: %v", err)
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return s
	}

	if got := resolve(); got != "C" {
		t.Fatalf("resolved %q, want C", got)
	}

	if err := r.Delete(ctx, "acme/finance/llm"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := resolve(); got != "B" {
		t.Fatalf("after first delete resolved %q, want B", got)
	}

	if err := r.Delete(ctx, "acme/llm"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := resolve(); got != "A" {
		t.Fatalf("after second delete resolved %q, want A", got)
	}
}

func TestGetConfigMissingEnumeratesPaths(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestResolver(t, 0)

	cctx := core.ConfigContext{core.DimTenantID: "finance"}
	_, err := r.GetConfig(ctx, "llm", cctx)
	if err == nil {
		t.Fatal("expected error for unresolvable key")
	}
	if !errors.Is(err, core.ErrConfigMissing) {
		t.Fatalf("error %v does not wrap ErrConfigMissing", err)
	}
	var missing *core.ConfigMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("error %T is not a ConfigMissingError", err)
	}
	wantPaths := []string{"finance/llm", "llm", "global/llm"}
	if len(missing.SearchedPaths) != len(wantPaths) {
		t.Fatalf("searched paths %v, want %v", missing.SearchedPaths, wantPaths)
	}
	for _, p := range wantPaths {
		if !strings.Contains(err.Error(), p) {
			t.Errorf("error message %q missing path %q", err.Error(), p)
		}
	}
}

func TestTryGetConfig(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestResolver(t, 0)

	_, found, err := r.TryGetConfig(ctx, "absent", core.ConfigContext{})
	if err != nil {
		t.Fatalf("TryGetConfig failed: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}

	if err := r.Set(ctx, "global/absent", json.RawMessage(`42`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	value, found, err := r.TryGetConfig(ctx, "absent", core.ConfigContext{})
	if err != nil || !found {
		t.Fatalf("TryGetConfig = (%v, %v), want found", err, found)
	}
	if string(value) != "42" {
		t.Fatalf("value = %s, want 42", value)
	}
}

func TestResolveRejectsInvalidKey(t *testing.T) {
	r, _, _ := newTestResolver(t, 0)
	_, _, _, err := r.Resolve(context.Background(), "bad//key", core.ConfigContext{})
	if !errors.Is(err, core.ErrInvalidKeyPath) {
		t.Fatalf("error = %v, want ErrInvalidKeyPath", err)
	}
}

func TestCacheBoundedStaleness(t *testing.T) {
	ctx := context.Background()
	r, persist, cache := newTestResolver(t, time.Minute)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r.SetClock(clock)
	cache.SetClock(clock)
	persist.SetClock(clock)

	if err := r.Set(ctx, "global/model", json.RawMessage(`"v1"`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Out-of-band write to the persistence layer. The cache still serves
	// the old value inside the TTL window.
	if err := persist.Set(ctx, "global/model", json.RawMessage(`"v2"`)); err != nil {
		t.Fatalf("persist.Set failed: %v", err)
	}
	value, _, err := r.Get(ctx, "global/model")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != `"v1"` {
		t.Fatalf("within TTL got %s, want cached \"v1\"", value)
	}

	// Past the TTL the persisted value wins and the cache refreshes.
	now = now.Add(2 * time.Minute)
	value, _, err = r.Get(ctx, "global/model")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != `"v2"` {
		t.Fatalf("past TTL got %s, want \"v2\"", value)
	}
}

func TestOnChangeNotifications(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestResolver(t, 0)

	var mu sync.Mutex
	var events []ChangeEvent
	unsubscribe := r.OnChange(func(ev ChangeEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	// A panicking listener must not disturb delivery to the others.
	r.OnChange(func(ChangeEvent) { panic("boom") })

	if err := r.Set(ctx, "global/llm", json.RawMessage(`"A"`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := r.Delete(ctx, "global/llm"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	mu.Lock()
	if len(events) != 2 {
		mu.Unlock()
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].KeyPath != "global/llm" || events[0].Deleted {
		t.Errorf("first event = %+v, want set of global/llm", events[0])
	}
	if !events[1].Deleted {
		t.Errorf("second event = %+v, want delete", events[1])
	}
	mu.Unlock()

	unsubscribe()
	if err := r.Set(ctx, "global/llm", json.RawMessage(`"B"`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("listener fired after unsubscribe: %d events", len(events))
	}
}

func TestGetAllReturnsValuesUnderPrefix(t *testing.T) {
	ctx := context.Background()
	r, persist, _ := newTestResolver(t, time.Minute)

	seed := map[string]string{
		"global/timeout":        `"30s"`,
		"tenant/acme/timeout":   `"10s"`,
		"tenant/acme/retry/max": `5`,
		"tenant/globex/timeout": `"20s"`,
	}
	for path, value := range seed {
		if err := r.Set(ctx, path, json.RawMessage(value)); err != nil {
			t.Fatalf("Set(%q) failed: %v", path, err)
		}
	}

	values, err := r.GetAll(ctx, "tenant/acme/")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("GetAll returned %d values, want 2: %v", len(values), values)
	}
	if string(values["tenant/acme/timeout"]) != `"10s"` {
		t.Errorf("tenant/acme/timeout = %s, want \"10s\"", values["tenant/acme/timeout"])
	}
	if string(values["tenant/acme/retry/max"]) != `5` {
		t.Errorf("tenant/acme/retry/max = %s, want 5", values["tenant/acme/retry/max"])
	}

	// GetAll reads the persistence layer, not the cache: a write that lands
	// behind the cache is still visible.
	if err := persist.Set(ctx, "tenant/acme/timeout", json.RawMessage(`"15s"`)); err != nil {
		t.Fatalf("persist Set failed: %v", err)
	}
	values, err = r.GetAll(ctx, "tenant/acme/")
	if err != nil {
		t.Fatalf("GetAll after persist write failed: %v", err)
	}
	if string(values["tenant/acme/timeout"]) != `"15s"` {
		t.Errorf("tenant/acme/timeout = %s, want \"15s\"", values["tenant/acme/timeout"])
	}
}
