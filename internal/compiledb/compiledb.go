// Package compiledb holds the CompilationDatabase: an opaque
// per-translation-unit record of compile invocations, exported once from
// the validation tree and imported into the other three, so every
// instrumentation transformation sees the same build flags the real build
// uses. Persisted the way internal/driver/dcache.go persists its DiskCache
// payloads: a schema-versioned msgpack blob.
package compiledb

import (
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// schemaVersion is bumped whenever Entry's wire shape changes.
const schemaVersion uint16 = 1

// Entry is one translation unit's compile invocation.
type Entry struct {
	File      string   // source file the entry describes
	Directory string   // working directory the compiler was invoked from
	Arguments []string // full compiler invocation, flags included
}

// DB is the compilation database: every entry discovered when exporting
// from the validation tree.
type DB struct {
	Schema  uint16
	Entries []Entry
}

// Export captures the compilation database produced by a build command,
// as emitted by the configured build tool's own compilation-database
// output (e.g. compile_commands.json translated upstream into Entry
// values by the caller). Export itself performs no build invocation; it
// just wraps the entries the caller already collected with schema
// metadata so they round-trip through Encode/Decode identically.
func Export(entries []Entry) *DB {
	return &DB{Schema: schemaVersion, Entries: entries}
}

// Encode serializes the database to msgpack bytes.
func (d *DB) Encode() ([]byte, error) {
	if d.Schema == 0 {
		d.Schema = schemaVersion
	}
	out, err := msgpack.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("compiledb: encode: %w", err)
	}
	return out, nil
}

// Decode parses a previously encoded database.
func Decode(data []byte) (*DB, error) {
	var d DB
	if err := msgpack.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("compiledb: decode: %w", err)
	}
	if d.Schema != schemaVersion {
		return nil, fmt.Errorf("compiledb: unsupported schema version %d (want %d)", d.Schema, schemaVersion)
	}
	return &d, nil
}

// WriteFile encodes and writes the database to path.
func (d *DB) WriteFile(path string) error {
	data, err := d.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("compiledb: write %s: %w", path, err)
	}
	return nil
}

// ReadFile reads and decodes a database previously written by WriteFile.
func ReadFile(path string) (*DB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("compiledb: read %s: %w", path, err)
	}
	return Decode(data)
}

// ForDir rewrites every entry's Directory field, used when importing a
// database exported from one SourceTree into another tree rooted at a
// different path while keeping the recorded compiler Arguments identical.
func (d *DB) ForDir(dir string) *DB {
	out := &DB{Schema: d.Schema, Entries: make([]Entry, len(d.Entries))}
	for i, e := range d.Entries {
		e.Directory = dir
		out.Entries[i] = e
	}
	return out
}
