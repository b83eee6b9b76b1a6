package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate, got %v", err)
	}
}

func TestValidateRejectsBadLocalization(t *testing.T) {
	c := Default()
	c.Localization = "newton-raphson"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown localization formula")
	}
}

func TestValidateRejectsVerboseAndQuiet(t *testing.T) {
	c := Default()
	c.Verbose = true
	c.Quiet = true
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for --verbose and --quiet together")
	}
}

func TestHasDefect(t *testing.T) {
	c := Default()
	if !c.HasDefect("condition") {
		t.Fatalf("expected default defect classes to include condition")
	}
	if c.HasDefect("pointer-arith") {
		t.Fatalf("did not expect pointer-arith in default defect classes")
	}
}

func TestLoadFileOverridesOnlyDefinedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cherub.toml")
	contents := `
[repair]
suspicious = 9
localization = "ochiai"

[klee]
forks = 42
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	base := Default()
	out, err := LoadFile(path, base)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if out.Suspicious != 9 {
		t.Fatalf("Suspicious = %d, want 9", out.Suspicious)
	}
	if out.Localization != LocalizationOchiai {
		t.Fatalf("Localization = %s, want ochiai", out.Localization)
	}
	if out.KleeForks != 42 {
		t.Fatalf("KleeForks = %d, want 42", out.KleeForks)
	}
	if out.Iterations != base.Iterations {
		t.Fatalf("Iterations should be untouched, got %d want %d", out.Iterations, base.Iterations)
	}
	if out.TestTimeout != base.TestTimeout {
		t.Fatalf("TestTimeout should be untouched")
	}
}
