package repair

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"cherub/internal/angelic"
	"cherub/internal/config"
	"cherub/internal/dumpstore"
	"cherub/internal/fault"
	"cherub/internal/infer"
	"cherub/internal/instrument"
	"cherub/internal/oracle"
	"cherub/internal/procexec"
	"cherub/internal/rlog"
	"cherub/internal/synth"
	"cherub/internal/testdb"
	"cherub/internal/tracestore"
)

const testBuggyFile = "buggy.c"

// fakeTester treats the presence of the literal "BUG" substring in a
// tree's buggy file as the failing condition, so a real patcher.Apply
// splice (which rewrites bytes in that file) is enough to flip a test
// from failing to passing without any real compiler or oracle script.
type fakeTester struct {
	exprID string
	slow   bool
}

func (f fakeTester) Test(ctx context.Context, treeDir string, _ testdb.Case, capture oracle.Capture) (oracle.Outcome, error) {
	if f.slow {
		select {
		case <-ctx.Done():
			return oracle.Outcome{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	if err := ctx.Err(); err != nil {
		return oracle.Outcome{}, err
	}
	data, err := os.ReadFile(filepath.Join(treeDir, testBuggyFile))
	if err != nil {
		return oracle.Outcome{}, err
	}
	out := oracle.Outcome{Passed: !bytes.Contains(data, []byte("BUG"))}
	if capture.Dump {
		out.Output = append([]byte(nil), data...)
	}
	if capture.Trace {
		tr := tracestore.Trace{Points: []tracestore.Point{{ExprID: f.exprID, Seq: 1}}}
		if encoded, err := msgpack.Marshal(tr); err == nil {
			_ = os.WriteFile(filepath.Join(treeDir, frontendTraceFile), encoded, 0o644)
		}
	}
	return out, nil
}

type fakeInstrumenter struct{}

func (fakeInstrumenter) Instrument(context.Context, string, string, instrument.Role, []string, []string) error {
	return nil
}

type fakeInferrer struct {
	paths []angelic.Path
	err   error
}

func (f fakeInferrer) Infer(context.Context, string, testdb.Case, []byte, infer.Bounds) ([]angelic.Path, error) {
	return f.paths, f.err
}

type fakeSynthesizer struct {
	fixes []synth.CandidateFix
	err   error
}

func (f fakeSynthesizer) Synthesize(context.Context, angelic.Forest, []config.SynthesisLevel, config.Config) ([]synth.CandidateFix, error) {
	return f.fixes, f.err
}

func noopRunner(context.Context, string, string, []string) (procexec.Result, error) {
	return procexec.Result{}, nil
}

// failOnDirContaining fails any command whose working directory contains
// substr, succeeding everywhere else — used to simulate a CompilationError
// on one specific SourceTree role.
func failOnDirContaining(substr string) procexec.Runner {
	return func(_ context.Context, dir, _ string, _ []string) (procexec.Result, error) {
		if strings.Contains(dir, substr) {
			return procexec.Result{ExitCode: 1}, errors.New("build failed")
		}
		return procexec.Result{}, nil
	}
}

func writeTestsFile(t *testing.T, dir string) *testdb.DB {
	t.Helper()
	path := filepath.Join(dir, "tests.json")
	if err := os.WriteFile(path, []byte(`{"t1":{"command":"run"}}`), 0o644); err != nil {
		t.Fatalf("write tests file: %v", err)
	}
	db, err := testdb.Load(path)
	if err != nil {
		t.Fatalf("testdb.Load: %v", err)
	}
	return db
}

func newLogger() *rlog.Logger { return rlog.New(io.Discard, rlog.LevelQuiet) }

func baseConfig() config.Config {
	cfg := config.Default()
	cfg.GlobalTimeout = 5 * time.Second
	return cfg
}

func TestRunAllTestsPassYieldsSuccessWithEmptyDiff(t *testing.T) {
	srcDir := t.TempDir()
	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, testBuggyFile), []byte("value OK end\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	tests := writeTestsFile(t, t.TempDir())

	dumps, err := dumpstore.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("dumpstore.NewStore: %v", err)
	}
	traces, err := tracestore.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("tracestore.NewStore: %v", err)
	}

	deps := Deps{
		Tester:       fakeTester{exprID: "e1"},
		Instrumenter: fakeInstrumenter{},
		Inferrer:     fakeInferrer{},
		Synthesizer:  fakeSynthesizer{},
		Run:          noopRunner,
	}
	loop, err := New(baseConfig(), tests, dumps, traces, srcDir, workDir, testBuggyFile, "", nil, deps, newLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusSuccess {
		t.Fatalf("Status = %q, want %q", out.Status, StatusSuccess)
	}
	if out.Diff != "" {
		t.Fatalf("Diff = %q, want empty", out.Diff)
	}
}

func TestRunCompilationErrorOnFrontendIsFatal(t *testing.T) {
	srcDir := t.TempDir()
	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, testBuggyFile), []byte("value BUG end\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	tests := writeTestsFile(t, t.TempDir())
	dumps, _ := dumpstore.NewStore(t.TempDir())
	traces, _ := tracestore.NewStore(t.TempDir())

	deps := Deps{
		Tester:       fakeTester{exprID: "e1"},
		Instrumenter: fakeInstrumenter{},
		Inferrer:     fakeInferrer{},
		Synthesizer:  fakeSynthesizer{},
		Run:          failOnDirContaining("frontend"),
	}
	loop, err := New(baseConfig(), tests, dumps, traces, srcDir, workDir, testBuggyFile, "", nil, deps, newLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = loop.Run(context.Background())
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("Run error = %v, want *FatalError", err)
	}
}

func TestRunMissingGoldenAbortsWithoutInferenceOrSynthesis(t *testing.T) {
	srcDir := t.TempDir()
	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, testBuggyFile), []byte("value BUG end\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	tests := writeTestsFile(t, t.TempDir())
	dumps, _ := dumpstore.NewStore(t.TempDir()) // no dump seeded, no golden configured
	traces, _ := tracestore.NewStore(t.TempDir())

	inferCalled := false
	synthCalled := false
	deps := Deps{
		Tester:       fakeTester{exprID: "e1"},
		Instrumenter: fakeInstrumenter{},
		Inferrer:     countingInferrer{called: &inferCalled},
		Synthesizer:  countingSynthesizer{called: &synthCalled},
		Run:          noopRunner,
	}
	loop, err := New(baseConfig(), tests, dumps, traces, srcDir, workDir, testBuggyFile, "", nil, deps, newLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outcome, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error = %v, want nil (MissingGolden is a clean no-patch outcome)", err)
	}
	if outcome.Status != StatusFail {
		t.Fatalf("Run status = %q, want %q", outcome.Status, StatusFail)
	}
	if inferCalled || synthCalled {
		t.Fatalf("inference/synthesis must not run when golden is missing (testable property 6)")
	}
}

type countingInferrer struct{ called *bool }

func (c countingInferrer) Infer(context.Context, string, testdb.Case, []byte, infer.Bounds) ([]angelic.Path, error) {
	*c.called = true
	return nil, nil
}

type countingSynthesizer struct{ called *bool }

func (c countingSynthesizer) Synthesize(context.Context, angelic.Forest, []config.SynthesisLevel, config.Config) ([]synth.CandidateFix, error) {
	*c.called = true
	return nil, nil
}

func TestRunExhaustingSuspiciousGroupsYieldsFail(t *testing.T) {
	srcDir := t.TempDir()
	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, testBuggyFile), []byte("value BUG end\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	tests := writeTestsFile(t, t.TempDir())
	dumps, _ := dumpstore.NewStore(t.TempDir())
	if err := dumps.Seed("t1", []byte("expected")); err != nil {
		t.Fatalf("seed dump: %v", err)
	}
	traces, _ := tracestore.NewStore(t.TempDir())

	deps := Deps{
		Tester:       fakeTester{exprID: "e1"},
		Instrumenter: fakeInstrumenter{},
		Inferrer:     fakeInferrer{}, // always empty: every group is abandoned
		Synthesizer:  fakeSynthesizer{},
		Run:          noopRunner,
	}
	universe := []fault.SuspiciousExpression{{ID: "e1", DefectClass: "condition", File: testBuggyFile, Line: 1}}
	loop, err := New(baseConfig(), tests, dumps, traces, srcDir, workDir, testBuggyFile, "", universe, deps, newLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusFail {
		t.Fatalf("Status = %q, want %q", out.Status, StatusFail)
	}
}

func TestRunSuccessfulOuterIterationAppliesFixAndReturnsDiff(t *testing.T) {
	srcDir := t.TempDir()
	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, testBuggyFile), []byte("value BUG end\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	tests := writeTestsFile(t, t.TempDir())
	dumps, _ := dumpstore.NewStore(t.TempDir())
	if err := dumps.Seed("t1", []byte("expected")); err != nil {
		t.Fatalf("seed dump: %v", err)
	}
	traces, _ := tracestore.NewStore(t.TempDir())

	validationBuggyPath := filepath.Join(workDir, "validation", testBuggyFile)
	offset := strings.Index("value BUG end\n", "BUG")

	deps := Deps{
		Tester:       fakeTester{exprID: "e1"},
		Instrumenter: fakeInstrumenter{},
		Inferrer:     fakeInferrer{paths: []angelic.Path{{Occurrences: []angelic.Value{{ExprID: "e1", Value: "OK"}}}}},
		Synthesizer: fakeSynthesizer{fixes: []synth.CandidateFix{{
			ExprID:     "e1",
			Expression: "OK!",
			At:         synth.Location{File: validationBuggyPath, Offset: offset, Length: len("BUG")},
		}}},
		Run: noopRunner,
	}
	universe := []fault.SuspiciousExpression{{ID: "e1", DefectClass: "condition", File: testBuggyFile, Line: 1}}
	loop, err := New(baseConfig(), tests, dumps, traces, srcDir, workDir, testBuggyFile, "", universe, deps, newLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusSuccess {
		t.Fatalf("Status = %q, want %q", out.Status, StatusSuccess)
	}
	if !strings.Contains(out.Diff, "OK!") {
		t.Fatalf("Diff = %q, want it to mention the synthesised replacement", out.Diff)
	}
}

func TestRunGlobalTimeoutDuringEvaluateYieldsTimeout(t *testing.T) {
	srcDir := t.TempDir()
	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, testBuggyFile), []byte("value BUG end\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	tests := writeTestsFile(t, t.TempDir())
	dumps, _ := dumpstore.NewStore(t.TempDir())
	traces, _ := tracestore.NewStore(t.TempDir())

	cfg := baseConfig()
	cfg.GlobalTimeout = 20 * time.Millisecond

	deps := Deps{
		Tester:       fakeTester{exprID: "e1", slow: true},
		Instrumenter: fakeInstrumenter{},
		Inferrer:     fakeInferrer{},
		Synthesizer:  fakeSynthesizer{},
		Run:          noopRunner,
	}
	loop, err := New(cfg, tests, dumps, traces, srcDir, workDir, testBuggyFile, "", nil, deps, newLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusTimeout {
		t.Fatalf("Status = %q, want %q", out.Status, StatusTimeout)
	}
}
