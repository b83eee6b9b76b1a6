// Package dumpstore holds Dump[t] (spec.md §3): the canonical expected
// observable output of test t, either supplied by the user or captured by
// running the golden build. Persistent, keyed by TestId, write-once —
// once Dump[t] exists it is never rewritten in a single run (invariant 2,
// testable property 3).
package dumpstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cherub/internal/testdb"
)

// ErrAlreadyWritten is returned by Put when Dump[t] already exists,
// guarding the write-once invariant.
var ErrAlreadyWritten = errors.New("dumpstore: dump already written for this test")

// Store persists Dump[t] under dir, one file per TestId.
type Store struct {
	dir  string
	seen map[testdb.TestId]bool
}

// NewStore opens (creating if needed) a dump store rooted at dir. Callers
// seed any dumps already supplied via the --output file with Seed before
// the RepairLoop starts, so Has/Get see them without a redundant golden
// run (spec.md §6: "Output dumps file").
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dumpstore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir, seen: make(map[testdb.TestId]bool)}, nil
}

func (s *Store) pathFor(id testdb.TestId) string {
	return filepath.Join(s.dir, string(id)+".dump")
}

// Has reports whether Dump[t] has already been recorded, either this run
// or from a prior supplied dumps file seeded via Seed.
func (s *Store) Has(id testdb.TestId) bool {
	if s.seen[id] {
		return true
	}
	_, err := os.Stat(s.pathFor(id))
	return err == nil
}

// Seed registers a dump supplied up front (from the --output dumps file)
// without re-writing it, preserving write-once semantics across the
// supplied/captured boundary.
func (s *Store) Seed(id testdb.TestId, value []byte) error {
	if s.Has(id) {
		return nil
	}
	if err := os.WriteFile(s.pathFor(id), value, 0o644); err != nil {
		return fmt.Errorf("dumpstore: seed %s: %w", id, err)
	}
	s.seen[id] = true
	return nil
}

// Put records Dump[t] for the first time. A second call for the same id
// returns ErrAlreadyWritten instead of silently overwriting, enforcing
// spec.md's write-once invariant in code rather than by convention.
func (s *Store) Put(id testdb.TestId, value []byte) error {
	if s.Has(id) {
		return ErrAlreadyWritten
	}
	if err := os.WriteFile(s.pathFor(id), value, 0o644); err != nil {
		return fmt.Errorf("dumpstore: write %s: %w", id, err)
	}
	s.seen[id] = true
	return nil
}

// Get reads back Dump[t]. All reads after the first Put/Seed return
// identical bytes (testable property 3).
func (s *Store) Get(id testdb.TestId) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		return nil, fmt.Errorf("dumpstore: read %s: %w", id, err)
	}
	return data, nil
}
