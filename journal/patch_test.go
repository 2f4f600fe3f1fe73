package journal

import (
	"encoding/json"
	"testing"
)

func mustState(t *testing.T, doc string) State {
	t.Helper()
	s, err := StateFromJSON(json.RawMessage(doc))
	if err != nil {
		t.Fatalf("bad state doc %s: %v", doc, err)
	}
	return s
}

func TestDiffRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		old  string
		new  string
	}{
		{"scalar change", `{"balance":1000}`, `{"balance":900}`},
		{"add keys", `{"balance":1000}`, `{"balance":1000,"reserved":100,"available":900}`},
		{"remove keys", `{"a":1,"b":2,"c":3}`, `{"b":2}`},
		{"nested change", `{"user":{"name":"ann","tags":["x"]}}`, `{"user":{"name":"bob","tags":["x","y"]}}`},
		{"list append", `{"items":[1,2]}`, `{"items":[1,2,3,4]}`},
		{"list truncate", `{"items":[1,2,3,4]}`, `{"items":[1]}`},
		{"list element change", `{"items":[{"q":1},{"q":2}]}`, `{"items":[{"q":1},{"q":5}]}`},
		{"shape change", `{"v":{"a":1}}`, `{"v":[1,2]}`},
		{"empty to populated", `{}`, `{"a":{"b":{"c":[1,{"d":true}]}}}`},
		{"populated to empty", `{"a":{"b":[1,2,3]}}`, `{}`},
		{"null handling", `{"a":null}`, `{"a":1,"b":null}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			old := mustState(t, tc.old)
			new := mustState(t, tc.new)

			forward, inverse := DiffState(old, new)

			got, err := ApplyPatches(old, forward)
			if err != nil {
				t.Fatalf("apply forward: %v", err)
			}
			if !Equal(Value(got), Value(new)) {
				t.Fatalf("forward result = %v, want %v", got, new)
			}

			restored, err := ApplyPatches(got, inverse)
			if err != nil {
				t.Fatalf("apply inverse: %v", err)
			}
			if !Equal(Value(restored), Value(old)) {
				t.Fatalf("round trip = %v, want %v", restored, old)
			}
		})
	}
}

func TestDiffEqualStatesIsEmpty(t *testing.T) {
	s := mustState(t, `{"a":[1,{"b":2}],"c":"x"}`)
	forward, inverse := DiffState(s, CloneState(s))
	if len(forward) != 0 || len(inverse) != 0 {
		t.Fatalf("diff of equal states = %v / %v, want empty", forward, inverse)
	}
}

func TestApplyPatchesDoesNotMutateInput(t *testing.T) {
	old := mustState(t, `{"items":[1,2],"m":{"k":1}}`)
	forward, _ := DiffState(old, mustState(t, `{"items":[9],"m":{"k":2}}`))

	if _, err := ApplyPatches(old, forward); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !Equal(Value(old), Value(mustState(t, `{"items":[1,2],"m":{"k":1}}`))) {
		t.Fatalf("input state mutated: %v", old)
	}
}

func TestApplyPatchErrors(t *testing.T) {
	s := mustState(t, `{"a":{"b":1},"list":[1,2]}`)

	bad := []Patch{
		{Op: OpDelete, Path: []string{"missing"}},
		{Op: OpSet, Path: []string{"a", "b", "c"}},
		{Op: OpInsert, Path: []string{"a"}, Index: 0},
		{Op: OpSet, Path: []string{"list", "7"}},
		{Op: OpInsert, Path: []string{"list"}, Index: 9},
		{Op: OpDelete, Path: nil},
	}
	for i, p := range bad {
		if _, err := ApplyPatches(s, []Patch{p}); err == nil {
			t.Errorf("patch %d (%s) applied, want error", i, p)
		}
	}
}

func TestPatchSerializationStable(t *testing.T) {
	forward, inverse := DiffState(
		mustState(t, `{"balance":1000}`),
		mustState(t, `{"balance":1000,"reserved":100}`),
	)
	raw, err := MarshalPatches(forward)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := UnmarshalPatches(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got, err := ApplyPatches(mustState(t, `{"balance":1000}`), decoded)
	if err != nil {
		t.Fatalf("apply decoded: %v", err)
	}
	want := mustState(t, `{"balance":1000,"reserved":100}`)
	if !Equal(Value(got), Value(want)) {
		t.Fatalf("decoded patches produced %v, want %v", got, want)
	}
	_ = inverse
}

func TestCanonicalJSONOrdering(t *testing.T) {
	a := mustState(t, `{"b":1,"a":2}`)
	b := mustState(t, `{"a":2,"b":1}`)
	ra, err := ToJSON(Value(a))
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	rb, err := ToJSON(Value(b))
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	if string(ra) != string(rb) {
		t.Fatalf("canonical encodings differ: %s vs %s", ra, rb)
	}
}
