// Package tracestore holds Trace[t] (spec.md §3): the ordered sequence of
// repair-point identifiers visited while running test t on the frontend
// build. Generated on demand, persistent on disk keyed by TestId, and
// always fully overwritten on retrace (never appended to across separate
// runs of the same test). Modeled after internal/trace's Event/Scope
// vocabulary, scaled down: a sequential batch driver has no need for the
// ring buffer or heartbeat modes a live compiler trace does.
package tracestore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"cherub/internal/testdb"
)

// Point identifies one repair point — a suspicious-expression occurrence
// site the frontend instrumentation emits when control passes through it.
type Point struct {
	ExprID string // SuspiciousExpression identifier
	Seq    uint32 // occurrence ordinal within this run
}

// Trace is the ordered sequence of Points visited during one test run.
type Trace struct {
	Points []Point
}

// Store persists Trace[t] under dir, one file per TestId.
type Store struct {
	dir string
}

// NewStore opens (creating if needed) a trace store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tracestore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(id testdb.TestId) string {
	return filepath.Join(s.dir, string(id)+".trace.mp")
}

// Put overwrites Trace[t] in full — spec.md's invariant 3: "Trace[t] is
// appended to (overwritten fully on each retrace) whenever a frontend test
// is re-run."
func (s *Store) Put(id testdb.TestId, tr Trace) error {
	data, err := msgpack.Marshal(tr)
	if err != nil {
		return fmt.Errorf("tracestore: encode %s: %w", id, err)
	}
	if err := os.WriteFile(s.pathFor(id), data, 0o644); err != nil {
		return fmt.Errorf("tracestore: write %s: %w", id, err)
	}
	return nil
}

// Has reports whether a trace has been recorded for id.
func (s *Store) Has(id testdb.TestId) bool {
	_, err := os.Stat(s.pathFor(id))
	return err == nil
}

// Get loads the most recently recorded trace for id.
func (s *Store) Get(id testdb.TestId) (Trace, error) {
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		return Trace{}, fmt.Errorf("tracestore: read %s: %w", id, err)
	}
	var tr Trace
	if err := msgpack.Unmarshal(data, &tr); err != nil {
		return Trace{}, fmt.Errorf("tracestore: decode %s: %w", id, err)
	}
	return tr, nil
}

// Parse is a convenience that returns the parsed trace for a TestId along
// with the id itself, the shape Localize's (TestId, parsed-trace) input
// pairs expect (spec.md §4.3).
func (s *Store) Parse(id testdb.TestId) (testdb.TestId, Trace, error) {
	tr, err := s.Get(id)
	return id, tr, err
}
