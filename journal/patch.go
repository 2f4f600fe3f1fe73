package journal

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// PatchOp is one of the three mutation verbs.
type PatchOp string

const (
	OpSet    PatchOp = "set"
	OpInsert PatchOp = "insert"
	OpDelete PatchOp = "delete"
)

// Patch is one mutation against a value tree. Path segments address map
// keys; a segment addressing a list element is the decimal index. For
// OpInsert, Path addresses the list itself and Index the insertion point.
type Patch struct {
	Op    PatchOp  `json:"op"`
	Path  []string `json:"path"`
	Index int      `json:"index,omitempty"`
	// Value must serialize even when zero-valued: set(path, false) and
	// set(path, 0) are legitimate patches.
	Value Value `json:"value"`
}

func (p Patch) String() string {
	switch p.Op {
	case OpInsert:
		return fmt.Sprintf("insert(%v, %d)", p.Path, p.Index)
	default:
		return fmt.Sprintf("%s(%v)", p.Op, p.Path)
	}
}

// MarshalPatches serializes a patch list for a journal entry.
func MarshalPatches(patches []Patch) (json.RawMessage, error) {
	data, err := json.Marshal(patches)
	if err != nil {
		return nil, fmt.Errorf("patches not serializable: %w", err)
	}
	return data, nil
}

// UnmarshalPatches decodes a patch list from a journal entry.
func UnmarshalPatches(raw json.RawMessage) ([]Patch, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var patches []Patch
	if err := json.Unmarshal(raw, &patches); err != nil {
		return nil, fmt.Errorf("invalid patch list: %w", err)
	}
	return patches, nil
}

// ApplyPatches applies patches to s in order and returns the new state. The
// input state is never mutated.
func ApplyPatches(s State, patches []Patch) (State, error) {
	root := Value(CloneState(s))
	for i, p := range patches {
		next, err := applyPatch(root, p)
		if err != nil {
			return nil, fmt.Errorf("patch %d %s: %w", i, p, err)
		}
		root = next
	}
	out, ok := root.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("patches replaced the state root with a non-object")
	}
	return out, nil
}

// applyPatch mutates root in place (root is already a private copy) and
// returns the possibly-replaced root.
func applyPatch(root Value, p Patch) (Value, error) {
	if len(p.Path) == 0 {
		switch p.Op {
		case OpSet:
			return Clone(p.Value), nil
		default:
			return nil, fmt.Errorf("%s requires a non-empty path", p.Op)
		}
	}

	parent, err := descend(root, p.Path[:len(p.Path)-1])
	if err != nil {
		return nil, err
	}
	leaf := p.Path[len(p.Path)-1]

	switch container := parent.(type) {
	case map[string]interface{}:
		switch p.Op {
		case OpSet:
			container[leaf] = Clone(p.Value)
		case OpDelete:
			if _, ok := container[leaf]; !ok {
				return nil, fmt.Errorf("no key %q to delete", leaf)
			}
			delete(container, leaf)
		case OpInsert:
			list, ok := container[leaf].([]interface{})
			if !ok {
				return nil, fmt.Errorf("insert target %q is not a list", leaf)
			}
			inserted, err := insertAt(list, p.Index, Clone(p.Value))
			if err != nil {
				return nil, err
			}
			container[leaf] = inserted
		default:
			return nil, fmt.Errorf("unknown op %q", p.Op)
		}
		return root, nil

	case []interface{}:
		idx, err := strconv.Atoi(leaf)
		if err != nil {
			return nil, fmt.Errorf("list segment %q is not an index", leaf)
		}
		switch p.Op {
		case OpSet:
			if idx < 0 || idx >= len(container) {
				return nil, fmt.Errorf("index %d out of range [0,%d)", idx, len(container))
			}
			container[idx] = Clone(p.Value)
			return root, nil
		case OpDelete:
			if idx < 0 || idx >= len(container) {
				return nil, fmt.Errorf("index %d out of range [0,%d)", idx, len(container))
			}
			// Removing from a slice changes the parent's reference, so the
			// grandparent must be rewired.
			return rewire(root, p.Path[:len(p.Path)-1], append(container[:idx:idx], container[idx+1:]...))
		case OpInsert:
			if idx < 0 || idx >= len(container) {
				return nil, fmt.Errorf("index %d out of range [0,%d)", idx, len(container))
			}
			list, ok := container[idx].([]interface{})
			if !ok {
				return nil, fmt.Errorf("insert target at index %d is not a list", idx)
			}
			inserted, err := insertAt(list, p.Index, Clone(p.Value))
			if err != nil {
				return nil, err
			}
			container[idx] = inserted
			return root, nil
		default:
			return nil, fmt.Errorf("unknown op %q", p.Op)
		}

	default:
		return nil, fmt.Errorf("segment parent is not a container (%T)", parent)
	}
}

// descend walks path and returns the container it addresses.
func descend(root Value, path []string) (Value, error) {
	cur := root
	for _, seg := range path {
		switch c := cur.(type) {
		case map[string]interface{}:
			next, ok := c[seg]
			if !ok {
				return nil, fmt.Errorf("missing key %q", seg)
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, fmt.Errorf("list segment %q is not an index", seg)
			}
			if idx < 0 || idx >= len(c) {
				return nil, fmt.Errorf("index %d out of range [0,%d)", idx, len(c))
			}
			cur = c[idx]
		default:
			return nil, fmt.Errorf("cannot descend into %T at %q", cur, seg)
		}
	}
	return cur, nil
}

// insertAt inserts v into list at idx; idx == len(list) appends.
func insertAt(list []interface{}, idx int, v Value) ([]interface{}, error) {
	if idx < 0 || idx > len(list) {
		return nil, fmt.Errorf("insert index %d out of range [0,%d]", idx, len(list))
	}
	out := make([]interface{}, 0, len(list)+1)
	out = append(out, list[:idx]...)
	out = append(out, v)
	out = append(out, list[idx:]...)
	return out, nil
}

// rewire replaces the value at path within root with v and returns root.
// An empty path replaces the root itself.
func rewire(root Value, path []string, v Value) (Value, error) {
	if len(path) == 0 {
		return v, nil
	}
	parent, err := descend(root, path[:len(path)-1])
	if err != nil {
		return nil, err
	}
	leaf := path[len(path)-1]
	switch c := parent.(type) {
	case map[string]interface{}:
		c[leaf] = v
		return root, nil
	case []interface{}:
		idx, err := strconv.Atoi(leaf)
		if err != nil {
			return nil, fmt.Errorf("list segment %q is not an index", leaf)
		}
		if idx < 0 || idx >= len(c) {
			return nil, fmt.Errorf("index %d out of range [0,%d)", idx, len(c))
		}
		c[idx] = v
		return root, nil
	default:
		return nil, fmt.Errorf("cannot rewire through %T", parent)
	}
}
