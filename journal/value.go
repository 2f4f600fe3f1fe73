// Package journal implements the append-only actor journal: a structural
// diff engine over a plain JSON value tree, patches with paired inverses,
// replay, and compensation.
package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is one node of the state tree: nil, bool, float64, string,
// []interface{}, or map[string]interface{}. The tree is exactly what
// encoding/json produces for untyped documents; no reflection over user
// structs is involved.
type Value = interface{}

// State is the root of an actor's state tree.
type State = map[string]interface{}

// FromJSON decodes raw into a value tree. An empty input decodes to nil.
func FromJSON(raw json.RawMessage) (Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid state document: %w", err)
	}
	return v, nil
}

// ToJSON encodes a value tree canonically: map keys serialize in sorted
// order, so equal trees produce byte-equal documents.
func ToJSON(v Value) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("state not serializable: %w", err)
	}
	return data, nil
}

// StateFromJSON decodes raw into a root state map. Empty input yields an
// empty map.
func StateFromJSON(raw json.RawMessage) (State, error) {
	if len(raw) == 0 {
		return State{}, nil
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("state root must be an object: %w", err)
	}
	if s == nil {
		s = State{}
	}
	return s, nil
}

// Clone deep-copies a value tree.
func Clone(v Value) Value {
	switch t := v.(type) {
	case map[string]interface{}:
		cp := make(map[string]interface{}, len(t))
		for k, e := range t {
			cp[k] = Clone(e)
		}
		return cp
	case []interface{}:
		cp := make([]interface{}, len(t))
		for i, e := range t {
			cp[i] = Clone(e)
		}
		return cp
	default:
		// Scalars are immutable.
		return v
	}
}

// CloneState deep-copies a root state map.
func CloneState(s State) State {
	if s == nil {
		return State{}
	}
	return Clone(s).(map[string]interface{})
}

// Equal reports deep equality of two value trees.
func Equal(a, b Value) bool {
	switch at := a.(type) {
	case map[string]interface{}:
		bt, ok := b.(map[string]interface{})
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case []interface{}:
		bt, ok := b.([]interface{})
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	case json.Number:
		// Normalize numbers that arrive via different decode paths.
		ab, _ := json.Marshal(at)
		bb, _ := json.Marshal(b)
		return bytes.Equal(ab, bb)
	default:
		return a == b
	}
}
