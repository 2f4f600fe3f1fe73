package journal

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/loomlabs/loom/core"
)

func testMessage(id string) *core.Message {
	return &core.Message{
		MessageID: id,
		ActorRef:  core.ActorRef{TenantID: "acme", ActorType: "account", ActorID: "a-1"},
		Payload:   json.RawMessage(`{"amount":100}`),
	}
}

func TestUpdateStateAppendsPatchesAndAdvancesState(t *testing.T) {
	m := NewStateManager(mustState(t, `{"balance":1000}`), nil)

	err := m.UpdateState(func(draft State) error {
		draft["reserved"] = float64(100)
		draft["available"] = float64(900)
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}

	want := mustState(t, `{"balance":1000,"reserved":100,"available":900}`)
	if !Equal(Value(m.State()), Value(want)) {
		t.Fatalf("state = %v, want %v", m.State(), want)
	}
	entries := m.Entries()
	if len(entries) != 1 || entries[0].Kind != core.EntryStatePatches {
		t.Fatalf("entries = %+v, want one StatePatches", entries)
	}
	if m.LogicalClock() != 1 {
		t.Fatalf("logical clock = %d, want 1", m.LogicalClock())
	}
}

func TestUpdateStateNoChangesAppendsNothing(t *testing.T) {
	m := NewStateManager(mustState(t, `{"a":1}`), nil)
	if err := m.UpdateState(func(draft State) error { return nil }); err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("journal length = %d, want 0 for no-op recipe", m.Len())
	}
}

func TestUpdateStateRecipeErrorLeavesEverythingUntouched(t *testing.T) {
	m := NewStateManager(mustState(t, `{"a":1}`), nil)
	boom := errors.New("recipe failed")
	err := m.UpdateState(func(draft State) error {
		draft["a"] = float64(2)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want recipe error", err)
	}
	if m.Len() != 0 {
		t.Fatalf("journal grew on failed recipe")
	}
	if !Equal(Value(m.State()), Value(mustState(t, `{"a":1}`))) {
		t.Fatalf("state changed on failed recipe: %v", m.State())
	}
}

func TestCompensationScenario(t *testing.T) {
	// An invocation updates {balance:1000} to add reserved/available, then
	// fails; after compensation the persisted state is {balance:1000} again
	// and the journal holds Invocation + StatePatches + compensating
	// StatePatches.
	m := NewStateManager(mustState(t, `{"balance":1000}`), nil)

	checkpoint := m.Checkpoint()
	m.RecordInvocation(testMessage("m-1"))
	err := m.UpdateState(func(draft State) error {
		draft["reserved"] = float64(100)
		draft["available"] = float64(900)
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}

	if err := m.CompensateSince(checkpoint); err != nil {
		t.Fatalf("CompensateSince failed: %v", err)
	}

	if !Equal(Value(m.State()), Value(mustState(t, `{"balance":1000}`))) {
		t.Fatalf("state after compensation = %v, want original", m.State())
	}

	entries := m.Entries()
	if len(entries) != 3 {
		t.Fatalf("journal length = %d, want 3", len(entries))
	}
	if entries[0].Kind != core.EntryInvocation {
		t.Errorf("entry 0 kind = %s, want invocation", entries[0].Kind)
	}
	if entries[1].Kind != core.EntryStatePatches || entries[2].Kind != core.EntryStatePatches {
		t.Errorf("entries 1,2 kinds = %s,%s, want state_patches twice", entries[1].Kind, entries[2].Kind)
	}
}

func TestCompensateLastWalksBackwards(t *testing.T) {
	m := NewStateManager(mustState(t, `{}`), nil)

	steps := []string{"one", "two", "three"}
	for _, s := range steps {
		s := s
		if err := m.UpdateState(func(draft State) error {
			draft[s] = true
			return nil
		}); err != nil {
			t.Fatalf("UpdateState(%s) failed: %v", s, err)
		}
	}

	// Undo three, then two, then one.
	for i := len(steps) - 1; i >= 0; i-- {
		if err := m.CompensateLastStateChange(); err != nil {
			t.Fatalf("compensate %d failed: %v", i, err)
		}
		if _, present := m.State()[steps[i]]; present {
			t.Fatalf("key %q still present after compensation", steps[i])
		}
	}
	if !Equal(Value(m.State()), Value(State{})) {
		t.Fatalf("state = %v, want empty", m.State())
	}

	if err := m.CompensateLastStateChange(); err == nil {
		t.Fatal("expected error when nothing remains to compensate")
	}
}

func TestReplayMatchesProjection(t *testing.T) {
	m := NewStateManager(mustState(t, `{"count":0}`), nil)

	for i := 1; i <= 5; i++ {
		m.RecordInvocation(testMessage("m"))
		i := i
		if err := m.UpdateState(func(draft State) error {
			draft["count"] = float64(i)
			draft["history"] = append(listOf(draft["history"]), float64(i))
			return nil
		}); err != nil {
			t.Fatalf("UpdateState %d failed: %v", i, err)
		}
	}

	replayed, err := Replay(m.Entries(), mustState(t, `{"count":0}`), nil)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	replayedRaw, err := ToJSON(Value(replayed))
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	projectedRaw, err := m.StateJSON()
	if err != nil {
		t.Fatalf("StateJSON: %v", err)
	}
	if string(replayedRaw) != string(projectedRaw) {
		t.Fatalf("replay %s != projection %s", replayedRaw, projectedRaw)
	}
}

func listOf(v Value) []interface{} {
	if l, ok := v.([]interface{}); ok {
		return l
	}
	return nil
}

func TestReplaySurfacesMarkers(t *testing.T) {
	m := NewStateManager(mustState(t, `{}`), nil)
	m.RecordMarker(core.MarkerSpawnChild, json.RawMessage(`{"child":"c-1"}`), "corr-1")
	m.RecordMarker(core.MarkerActivityScheduled, json.RawMessage(`{"name":"score"}`), "corr-2")

	var seen []string
	_, err := Replay(m.Entries(), mustState(t, `{}`), func(entry core.JournalEntry) error {
		seen = append(seen, string(entry.Marker)+":"+entry.CorrelationID)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	want := []string{"spawn_child:corr-1", "activity_scheduled:corr-2"}
	if len(seen) != 2 || seen[0] != want[0] || seen[1] != want[1] {
		t.Fatalf("markers seen = %v, want %v", seen, want)
	}

	wantErr := errors.New("redrive failed")
	_, err = Replay(m.Entries(), mustState(t, `{}`), func(core.JournalEntry) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want resolver error", err)
	}
}

func TestHydrateFromRecord(t *testing.T) {
	m := NewStateManager(mustState(t, `{"n":0}`), nil)
	m.RecordInvocation(testMessage("m-1"))
	if err := m.UpdateState(func(draft State) error {
		draft["n"] = float64(7)
		return nil
	}); err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}

	record, err := m.ToRecord("a-1", &core.InvocationRecord{
		MessageID:   "m-1",
		Status:      core.InvocationSucceeded,
		CompletedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("ToRecord failed: %v", err)
	}

	hydrated, err := Hydrate(record, mustState(t, `{"n":0}`), nil, nil)
	if err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	if !Equal(Value(hydrated.State()), Value(m.State())) {
		t.Fatalf("hydrated state = %v, want %v", hydrated.State(), m.State())
	}
	if hydrated.Len() != m.Len() {
		t.Fatalf("hydrated journal length = %d, want %d", hydrated.Len(), m.Len())
	}
	if hydrated.LogicalClock() != m.LogicalClock() {
		t.Fatalf("hydrated clock = %d, want %d", hydrated.LogicalClock(), m.LogicalClock())
	}
}

func TestCompactDropsEntriesKeepsState(t *testing.T) {
	m := NewStateManager(mustState(t, `{}`), nil)
	if err := m.UpdateState(func(draft State) error {
		draft["kept"] = true
		return nil
	}); err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}

	m.Compact()
	if m.Len() != 0 {
		t.Fatalf("journal length after compact = %d, want 0", m.Len())
	}
	if !Equal(Value(m.State()), Value(mustState(t, `{"kept":true}`))) {
		t.Fatalf("state after compact = %v", m.State())
	}
}
