package testdb

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadPreservesOrder(t *testing.T) {
	path := writeTemp(t, "tests.json", `{
		"t3": {"command": "run3"},
		"t1": {"command": "run1"},
		"t2": {"command": "run2"}
	}`)

	db, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []TestId{"t3", "t1", "t2"}
	got := db.Order()
	if len(got) != len(want) {
		t.Fatalf("order length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if db.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", db.Len())
	}
	c, ok := db.Get("t1")
	if !ok || c.Command != "run1" {
		t.Fatalf("Get(t1) = %+v, %v", c, ok)
	}
}

func TestLoadRejectsDuplicateIds(t *testing.T) {
	path := writeTemp(t, "tests.json", `{"t1": {}, "t1": {}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for duplicate ids")
	}
}

func TestLoadRejectsEmpty(t *testing.T) {
	path := writeTemp(t, "tests.json", `{}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty test suite")
	}
}

func TestLoadDumps(t *testing.T) {
	path := writeTemp(t, "dumps.json", `{"t1": "expected output"}`)
	dumps, err := LoadDumps(path)
	if err != nil {
		t.Fatalf("LoadDumps: %v", err)
	}
	got, ok := dumps.Get("t1")
	if !ok || string(got) != "expected output" {
		t.Fatalf("Get(t1) = %q, %v", got, ok)
	}
	if _, ok := dumps.Get("missing"); ok {
		t.Fatalf("expected missing test to be absent")
	}
}

func TestMarshalSuppliedAppendsWithoutReordering(t *testing.T) {
	existing := []byte(`{"a": "1"}`)
	out, err := MarshalSupplied(existing, "b", []byte("2"))
	if err != nil {
		t.Fatalf("MarshalSupplied: %v", err)
	}
	dumps, err := LoadDumps(writeTempBytes(t, out))
	if err != nil {
		t.Fatalf("LoadDumps: %v", err)
	}
	if v, ok := dumps.Get("a"); !ok || string(v) != "1" {
		t.Fatalf("a = %q, %v", v, ok)
	}
	if v, ok := dumps.Get("b"); !ok || string(v) != "2" {
		t.Fatalf("b = %q, %v", v, ok)
	}
	if bytes.Index(out, []byte(`"a"`)) > bytes.Index(out, []byte(`"b"`)) {
		t.Fatalf("existing key a should stay before appended key b, got %s", out)
	}
}

func writeTempBytes(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
