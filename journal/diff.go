package journal

import (
	"sort"
	"strconv"
)

// Diff computes the structural difference between two value trees as a
// forward patch list and its inverse. Applying forward to old yields new;
// applying inverse afterwards restores old:
//
//	apply(apply(s, forward), inverse) = s
//
// The inverse list is emitted in reverse order of forward so it can be
// applied front to back.
func Diff(old, new Value) (forward, inverse []Patch) {
	d := &differ{}
	d.walk(nil, old, new)
	// Inverses accumulate in forward order; reverse so later mutations are
	// undone first.
	for i, j := 0, len(d.inverse)-1; i < j; i, j = i+1, j-1 {
		d.inverse[i], d.inverse[j] = d.inverse[j], d.inverse[i]
	}
	return d.forward, d.inverse
}

// DiffState is Diff specialized to root state maps.
func DiffState(old, new State) (forward, inverse []Patch) {
	return Diff(Value(old), Value(new))
}

type differ struct {
	forward []Patch
	inverse []Patch
}

func (d *differ) emit(f, inv Patch) {
	d.forward = append(d.forward, f)
	d.inverse = append(d.inverse, inv)
}

func (d *differ) walk(path []string, old, new Value) {
	if Equal(old, new) {
		return
	}

	oldMap, oldIsMap := old.(map[string]interface{})
	newMap, newIsMap := new.(map[string]interface{})
	if oldIsMap && newIsMap {
		d.walkMap(path, oldMap, newMap)
		return
	}

	oldList, oldIsList := old.([]interface{})
	newList, newIsList := new.([]interface{})
	if oldIsList && newIsList {
		d.walkList(path, oldList, newList)
		return
	}

	// Scalar change or shape change: replace wholesale.
	d.emit(
		Patch{Op: OpSet, Path: copyPath(path), Value: Clone(new)},
		Patch{Op: OpSet, Path: copyPath(path), Value: Clone(old)},
	)
}

func (d *differ) walkMap(path []string, old, new map[string]interface{}) {
	keys := make([]string, 0, len(old)+len(new))
	seen := make(map[string]bool, len(old)+len(new))
	for k := range old {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range new {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	// Deterministic patch order regardless of map iteration.
	sort.Strings(keys)

	for _, k := range keys {
		childPath := append(copyPath(path), k)
		oldV, inOld := old[k]
		newV, inNew := new[k]
		switch {
		case inOld && !inNew:
			d.emit(
				Patch{Op: OpDelete, Path: childPath},
				Patch{Op: OpSet, Path: childPath, Value: Clone(oldV)},
			)
		case !inOld && inNew:
			d.emit(
				Patch{Op: OpSet, Path: childPath, Value: Clone(newV)},
				Patch{Op: OpDelete, Path: childPath},
			)
		default:
			d.walk(childPath, oldV, newV)
		}
	}
}

func (d *differ) walkList(path []string, old, new []interface{}) {
	common := len(old)
	if len(new) < common {
		common = len(new)
	}
	for i := 0; i < common; i++ {
		d.walk(append(copyPath(path), indexSegment(i)), old[i], new[i])
	}

	switch {
	case len(new) > len(old):
		// Appended elements: insert ascending; the reversed inverse list
		// deletes them descending, so indices stay valid.
		for i := len(old); i < len(new); i++ {
			d.emit(
				Patch{Op: OpInsert, Path: copyPath(path), Index: i, Value: Clone(new[i])},
				Patch{Op: OpDelete, Path: append(copyPath(path), indexSegment(i))},
			)
		}
	case len(old) > len(new):
		// Truncated elements: delete descending so earlier indices are
		// unaffected; the reversed inverse re-inserts ascending.
		for i := len(old) - 1; i >= len(new); i-- {
			d.emit(
				Patch{Op: OpDelete, Path: append(copyPath(path), indexSegment(i))},
				Patch{Op: OpInsert, Path: copyPath(path), Index: i, Value: Clone(old[i])},
			)
		}
	}
}

func copyPath(path []string) []string {
	cp := make([]string, len(path))
	copy(cp, path)
	return cp
}

func indexSegment(i int) string {
	return strconv.Itoa(i)
}
