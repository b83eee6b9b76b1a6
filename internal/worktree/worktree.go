// Package worktree implements SourceTree (spec.md §4.1): one of the four
// working directories the RepairLoop maintains, each a full copy of the
// input source specialised by Role. Directory copying follows
// tsuku's actions.CopyDirectory; build invocation follows
// buildpipeline.runCommand's context-bounded exec.Command pattern.
package worktree

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aymanbagabas/go-udiff"

	"cherub/internal/compiledb"
	"cherub/internal/instrument"
	"cherub/internal/procexec"
	"cherub/internal/testdb"
)

// Role is the tagged tree identity: it names the tree's directory under
// the working directory and appears in error messages. Component APIs do
// not check it: patcher.Apply accepts a tree of any role, and the
// inferrer takes a plain directory path.
type Role int

const (
	Validation Role = iota
	Frontend
	Backend
	Golden
)

func (r Role) String() string {
	switch r {
	case Validation:
		return "validation"
	case Frontend:
		return "frontend"
	case Backend:
		return "backend"
	case Golden:
		return "golden"
	default:
		return "unknown"
	}
}

// SourceTree is one working copy of the input source (spec.md §3).
type SourceTree struct {
	Role      Role
	Dir       string
	BuggyFile string
	BuildCmd  string
	Run       procexec.Runner

	patched      bool
	instrumented bool
}

// New copies srcDir into a fresh directory under workDir named after role,
// and returns a SourceTree ready for instrumentation/build.
func New(role Role, srcDir, workDir, buggyFile, buildCmd string, run procexec.Runner) (*SourceTree, error) {
	dir := filepath.Join(workDir, role.String())
	if err := copyDirectory(srcDir, dir); err != nil {
		return nil, fmt.Errorf("worktree: create %s tree: %w", role, err)
	}
	return &SourceTree{Role: role, Dir: dir, BuggyFile: buggyFile, BuildCmd: buildCmd, Run: run}, nil
}

// Instrument applies a one-shot instrumentation transform to BuggyFile.
// Per spec.md §4.1, a tree may be re-instrumented only after
// RestoreBuggy(); calling twice without that is a caller error.
func (t *SourceTree) Instrument(ctx context.Context, inst instrument.Instrumenter, role instrument.Role, defect, lines []string) error {
	if t.instrumented {
		return fmt.Errorf("worktree: %s tree already instrumented; call RestoreBuggy first", t.Role)
	}
	if err := inst.Instrument(ctx, t.Dir, t.BuggyFile, role, defect, lines); err != nil {
		return err
	}
	t.instrumented = true
	return nil
}

// CompilationError is raised when Build's configured command exits
// non-zero (spec.md §7); it always aborts the whole run.
type CompilationError struct {
	Role   Role
	Detail error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("worktree: %s tree failed to build: %v", e.Role, e.Detail)
}

func (e *CompilationError) Unwrap() error { return e.Detail }

// Build runs the configured build command in Dir. Must succeed on a
// freshly-restored or freshly-instrumented tree (spec.md §3 invariant);
// failure aborts the overall run with a CompilationError.
func (t *SourceTree) Build(ctx context.Context) error {
	fields := strings.Fields(t.BuildCmd)
	if len(fields) == 0 {
		return &CompilationError{Role: t.Role, Detail: fmt.Errorf("empty build command")}
	}
	if _, err := t.Run(ctx, t.Dir, fields[0], fields[1:]); err != nil {
		return &CompilationError{Role: t.Role, Detail: err}
	}
	return nil
}

// BuildTest builds the tree ahead of running one test case. The case is
// not used: it runs the same build command as Build. The RepairLoop calls
// it before every test it runs, on every role, so each test gets a build
// of its own.
func (t *SourceTree) BuildTest(ctx context.Context, _ testdb.Case) error {
	return t.Build(ctx)
}

// RestoreBuggy reverts all applied instrumentations and patches, copying
// the original input over Dir again. Leaves the tree ready for a fresh
// Instrument or a direct patch application.
func (t *SourceTree) RestoreBuggy(srcDir string) error {
	if err := copyDirectory(srcDir, t.Dir); err != nil {
		return fmt.Errorf("worktree: restore %s tree: %w", t.Role, err)
	}
	t.patched = false
	t.instrumented = false
	return nil
}

// Patched reports whether a candidate patch is currently applied.
func (t *SourceTree) Patched() bool { return t.patched }

// MarkPatched records that a candidate patch has just been spliced in by
// the patch applicator. Exported so internal/patcher can flip this flag
// without worktree needing to know about CandidateFix's shape.
func (t *SourceTree) MarkPatched() { t.patched = true }

// DiffBuggy returns a unified diff between srcDir (the original input) and
// the tree's current BuggyFile contents — used only by Validation at the
// end of a successful run (spec.md §4.1).
func (t *SourceTree) DiffBuggy(srcDir string) (string, error) {
	originalPath := filepath.Join(srcDir, t.BuggyFile)
	currentPath := filepath.Join(t.Dir, t.BuggyFile)

	original, err := os.ReadFile(originalPath)
	if err != nil {
		return "", fmt.Errorf("worktree: read original %s: %w", t.BuggyFile, err)
	}
	current, err := os.ReadFile(currentPath)
	if err != nil {
		return "", fmt.Errorf("worktree: read current %s: %w", t.BuggyFile, err)
	}
	if string(original) == string(current) {
		return "", nil
	}
	return udiff.Unified(t.BuggyFile, t.BuggyFile, string(original), string(current)), nil
}

// ExportCompilationDB exports entries for every translation unit, tagged
// with this tree's directory, from a once-computed base entry set. Only
// the Validation tree calls this at the start of a run (spec.md §3).
func (t *SourceTree) ExportCompilationDB(entries []compiledb.Entry) *compiledb.DB {
	return compiledb.Export(entries).ForDir(t.Dir)
}

// ImportCompilationDB rewrites db's Directory field to point at this
// tree's own Dir, so instrumentation transformations see the same compile
// flags the real build uses (spec.md §3).
func (t *SourceTree) ImportCompilationDB(db *compiledb.DB) *compiledb.DB {
	return db.ForDir(t.Dir)
}

func copyDirectory(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("worktree: open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("worktree: create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("worktree: copy %s: %w", src, err)
	}
	return os.Chmod(dst, mode)
}

