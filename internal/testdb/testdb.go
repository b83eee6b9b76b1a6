// Package testdb loads the tests database and the optional expected-output
// dumps file, the driver's two external test-case inputs.
package testdb

import (
	"fmt"
	"os"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TestId is an opaque identifier for a test case.
type TestId string

// Case is the metadata the driver needs for one test: enough for the
// Tester collaborator to invoke the oracle against a built tree.
type Case struct {
	Id      TestId
	Command string
	Input   string
}

// DB is the fixed set of tests read once at startup. Order mirrors the
// insertion order of the source document.
type DB struct {
	order []TestId
	cases map[TestId]Case
}

// Load reads a tests database file. The document is a JSON object mapping
// TestId to an object with optional "command"/"input" string fields.
// Iteration order of Order() matches the order keys appear in the file,
// not Go map order — this matters because the RepairLoop iterates the
// test suite in that same fixed order throughout a run.
func Load(path string) (*DB, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("testdb: read %s: %w", path, err)
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("testdb: %s: expected a JSON object mapping test id to metadata", path)
	}

	db := &DB{
		order: make([]TestId, 0, 8),
		cases: make(map[TestId]Case, 8),
	}
	var iterErr error
	parsed.ForEach(func(key, value gjson.Result) bool {
		id := TestId(key.String())
		if _, dup := db.cases[id]; dup {
			iterErr = fmt.Errorf("testdb: %s: duplicate test id %q", path, id)
			return false
		}
		c := Case{Id: id}
		if value.IsObject() {
			c.Command = value.Get("command").String()
			c.Input = value.Get("input").String()
		}
		db.order = append(db.order, id)
		db.cases[id] = c
		return true
	})
	if iterErr != nil {
		return nil, iterErr
	}
	if len(db.order) == 0 {
		return nil, fmt.Errorf("testdb: %s: no tests defined", path)
	}
	return db, nil
}

// Order returns all TestIds in the fixed insertion order from the source file.
func (d *DB) Order() []TestId {
	out := make([]TestId, len(d.order))
	copy(out, d.order)
	return out
}

// Get returns the metadata for a test id.
func (d *DB) Get(id TestId) (Case, bool) {
	c, ok := d.cases[id]
	return c, ok
}

// Len returns the number of tests in the suite.
func (d *DB) Len() int { return len(d.order) }

// Dumps is the optional output-dumps file: TestId -> expected observable
// output bytes, read once. When a test is missing here and no golden tree
// is configured, MissingGolden is raised by the RepairLoop, not by this
// package.
type Dumps struct {
	raw map[TestId][]byte
}

// LoadDumps reads an optional output dumps file. A JSON object mapping
// TestId to the expected output string (raw bytes, base64 is not assumed —
// the oracle's observable output is treated as text matching the original
// tool's own JSON-based dumps file).
func LoadDumps(path string) (*Dumps, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("testdb: read dumps %s: %w", path, err)
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("testdb: %s: expected a JSON object mapping test id to output", path)
	}
	d := &Dumps{raw: make(map[TestId][]byte, 8)}
	parsed.ForEach(func(key, value gjson.Result) bool {
		d.raw[TestId(key.String())] = []byte(value.String())
		return true
	})
	return d, nil
}

// Get returns the supplied expected output for a test, if present.
func (d *Dumps) Get(id TestId) ([]byte, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.raw[id]
	return v, ok
}

// MarshalSupplied re-serializes the currently known dumps back to the
// append-only JSON document shape, preserving any keys already present in
// an existing document (used when writing back an on-disk snapshot for
// operator inspection without perturbing the order of previously written
// entries).
func MarshalSupplied(existing []byte, id TestId, value []byte) ([]byte, error) {
	if len(existing) == 0 {
		existing = []byte("{}")
	}
	out, err := sjson.SetBytes(existing, string(id), string(value))
	if err != nil {
		return nil, fmt.Errorf("testdb: encode dump for %s: %w", id, err)
	}
	return out, nil
}
