package worktree

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"cherub/internal/instrument"
	"cherub/internal/procexec"
)

func writeSourceFixture(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "buggy.c"), []byte("int main(){return 1;}\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return src
}

func noopRunner(res procexec.Result, err error) procexec.Runner {
	return func(ctx context.Context, dir, name string, args []string) (procexec.Result, error) {
		return res, err
	}
}

func TestNewCopiesSourceIntoRoleDir(t *testing.T) {
	src := writeSourceFixture(t)
	work := t.TempDir()
	tree, err := New(Validation, src, work, "buggy.c", "make", noopRunner(procexec.Result{}, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tree.Dir, "buggy.c")); err != nil {
		t.Fatalf("expected buggy.c copied into tree dir: %v", err)
	}
	if tree.Role != Validation || tree.Role.String() != "validation" {
		t.Fatalf("Role = %v", tree.Role)
	}
}

func TestInstrumentRefusesSecondCallWithoutRestore(t *testing.T) {
	src := writeSourceFixture(t)
	work := t.TempDir()
	tree, err := New(Frontend, src, work, "buggy.c", "make", noopRunner(procexec.Result{}, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fake := fakeInstrumenter{}
	if err := tree.Instrument(context.Background(), fake, instrument.RoleRepairable, nil, nil); err != nil {
		t.Fatalf("first Instrument: %v", err)
	}
	if err := tree.Instrument(context.Background(), fake, instrument.RoleRepairable, nil, nil); err == nil {
		t.Fatalf("expected second Instrument without RestoreBuggy to fail")
	}
}

func TestRestoreBuggyAllowsReInstrumentation(t *testing.T) {
	src := writeSourceFixture(t)
	work := t.TempDir()
	tree, err := New(Backend, src, work, "buggy.c", "make", noopRunner(procexec.Result{}, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fake := fakeInstrumenter{}
	if err := tree.Instrument(context.Background(), fake, instrument.RoleSuspicious, nil, nil); err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if err := tree.RestoreBuggy(src); err != nil {
		t.Fatalf("RestoreBuggy: %v", err)
	}
	if err := tree.Instrument(context.Background(), fake, instrument.RoleSuspicious, nil, nil); err != nil {
		t.Fatalf("re-Instrument after restore: %v", err)
	}
}

func TestBuildReportsCompilationError(t *testing.T) {
	src := writeSourceFixture(t)
	work := t.TempDir()
	failing := noopRunner(procexec.Result{ExitCode: 2}, errReportable{})
	tree, err := New(Validation, src, work, "buggy.c", "make -e", failing)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = tree.Build(context.Background())
	var ce *CompilationError
	if err == nil {
		t.Fatalf("expected CompilationError")
	}
	if ce, _ = err.(*CompilationError); ce == nil {
		t.Fatalf("expected *CompilationError, got %T", err)
	}
}

func TestDiffBuggyEmptyWhenUnchanged(t *testing.T) {
	src := writeSourceFixture(t)
	work := t.TempDir()
	tree, err := New(Validation, src, work, "buggy.c", "make", noopRunner(procexec.Result{}, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	diff, err := tree.DiffBuggy(src)
	if err != nil {
		t.Fatalf("DiffBuggy: %v", err)
	}
	if diff != "" {
		t.Fatalf("expected empty diff for unmodified tree, got %q", diff)
	}
}

func TestDiffBuggyNonEmptyAfterEdit(t *testing.T) {
	src := writeSourceFixture(t)
	work := t.TempDir()
	tree, err := New(Validation, src, work, "buggy.c", "make", noopRunner(procexec.Result{}, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tree.Dir, "buggy.c"), []byte("int main(){return 0;}\n"), 0o644); err != nil {
		t.Fatalf("edit tree file: %v", err)
	}
	diff, err := tree.DiffBuggy(src)
	if err != nil {
		t.Fatalf("DiffBuggy: %v", err)
	}
	if diff == "" {
		t.Fatalf("expected non-empty diff after edit")
	}
}

type fakeInstrumenter struct{}

func (fakeInstrumenter) Instrument(ctx context.Context, treeDir, buggyFile string, role instrument.Role, defect, lines []string) error {
	return nil
}

type errReportable struct{}

func (errReportable) Error() string { return "build failed" }
