// Package angelic defines the AngelicForest/AngelicPath data model
// (spec.md §3) and the last-angelic-forest.json snapshot writer.
package angelic

import (
	"encoding/json"
	"fmt"
	"os"

	"cherub/internal/testdb"
)

// Value is one suspicious expression's hypothetical value at a single
// dynamic occurrence.
type Value struct {
	ExprID string `json:"expr"`
	Value  string `json:"value"`
}

// Path is a per-test AngelicPath: per dynamic occurrence of each
// suspicious expression during that test, a value it would have had to
// make the test's observable output match Dump[t].
type Path struct {
	Occurrences []Value `json:"occurrences"`
}

// Forest maps TestId to the list of AngelicPaths inferred for it. An
// empty slice for a test means "no angelic path exists" — inference
// failed for that test (spec.md §3).
type Forest map[testdb.TestId][]Path

// Empty reports whether no angelic path exists for id — either the id
// isn't present, or it maps to a zero-length slice.
func (f Forest) Empty(id testdb.TestId) bool {
	return len(f[id]) == 0
}

// Clone returns a copy with its own map and its own per-test path slices
// (the Occurrences slices inside each Path are shared with f). The
// RepairLoop grows the copy, so the forest it was cloned from is left
// unchanged.
func (f Forest) Clone() Forest {
	out := make(Forest, len(f))
	for id, paths := range f {
		cp := make([]Path, len(paths))
		copy(cp, paths)
		out[id] = cp
	}
	return out
}

// WriteSnapshot rewrites the human-readable last-angelic-forest.json
// debugging artefact (spec.md §9). It is never read back for
// correctness — only for operator inspection — so it stays plain indented
// JSON rather than the msgpack wire format used by tracestore/compiledb.
func WriteSnapshot(path string, f Forest) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("angelic: marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("angelic: write snapshot %s: %w", path, err)
	}
	return nil
}
