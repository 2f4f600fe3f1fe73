package journal

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loomlabs/loom/core"
)

// MarkerResolver is consulted for every Marker entry during replay. It
// decides whether the recorded side effect must be re-driven; returning an
// error aborts the replay.
type MarkerResolver func(entry core.JournalEntry) error

// Replay folds entries over defaultState: StatePatches apply their forward
// list, Marker entries are handed to resolver (nil resolver treats them as
// already settled), Invocation entries carry no state.
func Replay(entries []core.JournalEntry, defaultState State, resolver MarkerResolver) (State, error) {
	state := CloneState(defaultState)
	for _, entry := range entries {
		switch entry.Kind {
		case core.EntryStatePatches:
			patches, err := UnmarshalPatches(entry.Patches)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", entry.Index, err)
			}
			state, err = ApplyPatches(state, patches)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", entry.Index, err)
			}
		case core.EntryMarker:
			if resolver != nil {
				if err := resolver(entry); err != nil {
					return nil, fmt.Errorf("entry %d marker %s: %w", entry.Index, entry.Marker, err)
				}
			}
		case core.EntryInvocation:
			// No state effect.
		default:
			return nil, fmt.Errorf("entry %d: unknown kind %q", entry.Index, entry.Kind)
		}
	}
	return state, nil
}

// StateManager owns an actor's materialized state and its journal. All
// observable changes flow through it so the journal stays authoritative.
type StateManager struct {
	mu           sync.Mutex
	state        State
	entries      []core.JournalEntry
	logicalClock uint64
	clock        func() time.Time
	logger       core.Logger
}

// NewStateManager creates a manager holding defaultState and no entries.
func NewStateManager(defaultState State, logger core.Logger) *StateManager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("loom/journal")
	}
	return &StateManager{
		state:  CloneState(defaultState),
		clock:  time.Now,
		logger: logger,
	}
}

// Hydrate rebuilds the manager from a persisted record by replaying the
// journal over defaultState. The replayed state must match the persisted
// projection byte for byte; on divergence the journal wins and the mismatch
// is logged.
func Hydrate(record *core.ActorRecord, defaultState State, resolver MarkerResolver, logger core.Logger) (*StateManager, error) {
	m := NewStateManager(defaultState, logger)
	if record == nil {
		return m, nil
	}

	replayed, err := Replay(record.Journal, defaultState, resolver)
	if err != nil {
		return nil, fmt.Errorf("hydrate %s: %w", record.ActorID, err)
	}

	if len(record.State) > 0 {
		projected, err := StateFromJSON(record.State)
		if err != nil {
			return nil, fmt.Errorf("hydrate %s: %w", record.ActorID, err)
		}
		if !Equal(Value(projected), Value(replayed)) {
			m.logger.Warn("Persisted projection diverges from journal replay, journal wins", map[string]interface{}{
				"operation": "hydrate_divergence",
				"actor_id":  record.ActorID,
				"entries":   len(record.Journal),
			})
		}
	}

	m.state = replayed
	m.entries = append(m.entries, record.Journal...)
	m.logicalClock = record.LogicalClock
	return m, nil
}

// SetClock overrides the time source. Tests only.
func (m *StateManager) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// State returns a deep copy of the materialized state.
func (m *StateManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CloneState(m.state)
}

// StateJSON returns the canonical serialization of the materialized state.
func (m *StateManager) StateJSON() (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ToJSON(m.state)
}

// Entries returns a copy of the full journal.
func (m *StateManager) Entries() []core.JournalEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.JournalEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Len returns the number of journal entries.
func (m *StateManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// EntriesSince returns the entries appended at or after checkpoint, as
// returned by Checkpoint. Used to persist just the delta of an invocation.
func (m *StateManager) EntriesSince(checkpoint int) []core.JournalEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if checkpoint < 0 || checkpoint > len(m.entries) {
		return nil
	}
	out := make([]core.JournalEntry, len(m.entries)-checkpoint)
	copy(out, m.entries[checkpoint:])
	return out
}

// Checkpoint marks the current journal position.
func (m *StateManager) Checkpoint() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// LogicalClock returns the current logical clock value.
func (m *StateManager) LogicalClock() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logicalClock
}

// RecordInvocation appends an Invocation entry snapshotting the payload.
func (m *StateManager) RecordInvocation(msg *core.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(core.JournalEntry{
		Kind:            core.EntryInvocation,
		MessageID:       msg.MessageID,
		PayloadSnapshot: append(json.RawMessage(nil), msg.Payload...),
		Received:        m.clock().UTC(),
	})
}

// RecordMarker appends a Marker entry for a side effect.
func (m *StateManager) RecordMarker(kind core.MarkerKind, payload json.RawMessage, correlationID string) core.JournalEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := core.JournalEntry{
		Kind:          core.EntryMarker,
		Marker:        kind,
		MarkerPayload: append(json.RawMessage(nil), payload...),
		CorrelationID: correlationID,
		Applied:       m.clock().UTC(),
	}
	m.appendLocked(entry)
	return m.entries[len(m.entries)-1]
}

// UpdateState hands a draft of the current state to recipe, diffs the result
// against the current state, appends a StatePatches entry, and advances the
// materialized state. Either the entire patch is journaled and applied or,
// when the recipe errors, nothing changes.
func (m *StateManager) UpdateState(recipe func(draft State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	draft := CloneState(m.state)
	if err := recipe(draft); err != nil {
		return err
	}

	forward, inverse := DiffState(m.state, draft)
	if len(forward) == 0 {
		return nil
	}

	forwardRaw, err := MarshalPatches(forward)
	if err != nil {
		return err
	}
	inverseRaw, err := MarshalPatches(inverse)
	if err != nil {
		return err
	}

	m.appendLocked(core.JournalEntry{
		Kind:           core.EntryStatePatches,
		Patches:        forwardRaw,
		InversePatches: inverseRaw,
		Applied:        m.clock().UTC(),
	})
	m.state = draft
	m.logicalClock++

	m.logger.Debug("State updated", map[string]interface{}{
		"operation":     "update_state",
		"patch_count":   len(forward),
		"journal_index": len(m.entries) - 1,
	})
	return nil
}

// CompensateLastStateChange undoes the most recent StatePatches entry by
// applying its inverse list and appending a compensating entry, keeping the
// history append-only. Compensating entries are themselves skipped when
// looking for the entry to undo, so repeated calls walk backwards through
// history.
func (m *StateManager) CompensateLastStateChange() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compensateFromLocked(len(m.entries) - 1)
}

// CompensateSince undoes, newest first, every StatePatches entry appended at
// or after checkpoint. Used to roll back a failed invocation.
func (m *StateManager) CompensateSince(checkpoint int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if checkpoint < 0 {
		checkpoint = 0
	}
	// Indexes of the entries to undo, before any compensating appends.
	var targets []int
	for i := len(m.entries) - 1; i >= checkpoint; i-- {
		if m.entries[i].Kind == core.EntryStatePatches {
			targets = append(targets, i)
		}
	}
	for _, i := range targets {
		if err := m.compensateEntryLocked(i); err != nil {
			return err
		}
	}
	return nil
}

// compensateFromLocked finds the newest un-compensated StatePatches entry at
// or before start and undoes it. Caller holds m.mu.
func (m *StateManager) compensateFromLocked(start int) error {
	// Pair compensating entries with their targets while scanning backwards:
	// every compensation cancels out the nearest unmatched StatePatches
	// entry before it.
	skip := 0
	for i := start; i >= 0; i-- {
		entry := m.entries[i]
		if entry.Kind != core.EntryStatePatches {
			continue
		}
		if entry.CorrelationID == compensationTag {
			skip++
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		return m.compensateEntryLocked(i)
	}
	return fmt.Errorf("no state change to compensate: %w", core.ErrNotInitialized)
}

// compensationTag marks StatePatches entries that undo a prior entry.
const compensationTag = "compensation"

func (m *StateManager) compensateEntryLocked(index int) error {
	entry := m.entries[index]
	inverse, err := UnmarshalPatches(entry.InversePatches)
	if err != nil {
		return err
	}
	restored, err := ApplyPatches(m.state, inverse)
	if err != nil {
		return fmt.Errorf("compensating entry %d: %w", entry.Index, err)
	}

	m.appendLocked(core.JournalEntry{
		Kind:           core.EntryStatePatches,
		Patches:        append(json.RawMessage(nil), entry.InversePatches...),
		InversePatches: append(json.RawMessage(nil), entry.Patches...),
		Applied:        m.clock().UTC(),
		CorrelationID:  compensationTag,
	})
	m.state = restored
	m.logicalClock++

	m.logger.Info("State change compensated", map[string]interface{}{
		"operation":      "compensate_state",
		"undone_index":   entry.Index,
		"journal_length": len(m.entries),
	})
	return nil
}

// Compact drops journal entries already covered by the materialized state
// snapshot. The caller is expected to persist the record produced by
// ToRecord immediately after, so the snapshot remains authoritative.
func (m *StateManager) Compact() {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := len(m.entries)
	m.entries = nil
	m.logger.Info("Journal compacted", map[string]interface{}{
		"operation":       "journal_compact",
		"entries_dropped": dropped,
	})
}

// ToRecord materializes a persistable actor record.
func (m *StateManager) ToRecord(actorID string, lastInvocation *core.InvocationRecord) (*core.ActorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stateRaw, err := ToJSON(m.state)
	if err != nil {
		return nil, err
	}
	entries := make([]core.JournalEntry, len(m.entries))
	copy(entries, m.entries)

	return &core.ActorRecord{
		ActorID:        actorID,
		State:          stateRaw,
		Journal:        entries,
		LastInvocation: lastInvocation,
		LogicalClock:   m.logicalClock,
		UpdatedAt:      m.clock().UTC(),
	}, nil
}

// appendLocked stamps the next index and appends. Caller holds m.mu.
func (m *StateManager) appendLocked(entry core.JournalEntry) {
	next := 0
	if n := len(m.entries); n > 0 {
		next = m.entries[n-1].Index + 1
	}
	entry.Index = next
	m.entries = append(m.entries, entry)
}
