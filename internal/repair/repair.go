// Package repair implements the RepairLoop: the state machine that
// sequences trace collection, localisation, reduction, inference,
// synthesis, candidate validation, and CEGIS-style refinement across the
// four SourceTrees, as a typed Go state machine over the already-built
// collaborator packages.
package repair

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/vmihailenco/msgpack/v5"

	"cherub/internal/angelic"
	"cherub/internal/compiledb"
	"cherub/internal/config"
	"cherub/internal/dumpstore"
	"cherub/internal/fault"
	"cherub/internal/infer"
	"cherub/internal/instrument"
	"cherub/internal/oracle"
	"cherub/internal/patcher"
	"cherub/internal/procexec"
	"cherub/internal/reduce"
	"cherub/internal/rlog"
	"cherub/internal/synth"
	"cherub/internal/testdb"
	"cherub/internal/tracestore"
	"cherub/internal/worktree"
)

// frontendTraceFile is the conventional path, relative to a tree's root,
// where the repair-point-instrumented binary writes the msgpack-encoded
// Trace of its most recent run. The frontend instrumentation owns writing
// it; the loop only reads it back after each test.
const frontendTraceFile = ".cherub-trace.mp"

// compiledbFile is the conventional path, relative to a tree's root,
// where each tree's imported CompilationDatabase is persisted so an
// external instrumenter binary can read the same compile flags the real
// build used — one logical compilation database shared across trees —
// without widening instrument.Instrumenter's signature for one field.
const compiledbFile = ".cherub-compiledb.mp"

// Deps bundles the four black-box collaborators plus the process-
// invocation seam they share, so New doesn't take a five-wide parameter
// list of interfaces.
type Deps struct {
	Tester       oracle.Tester
	Instrumenter instrument.Instrumenter
	Inferrer     infer.Inferrer
	Synthesizer  synth.Synthesizer
	Run          procexec.Runner
}

// Loop wires every already-built collaborator package into the RepairLoop
// state machine.
type Loop struct {
	cfg   config.Config
	tests *testdb.DB
	dumps *dumpstore.Store
	trace *tracestore.Store

	srcDir  string // original, unmodified input source
	workDir string // working directory holding the four trees + snapshot

	validation *worktree.SourceTree
	frontend   *worktree.SourceTree
	backend    *worktree.SourceTree
	golden     *worktree.SourceTree // nil when no --golden was given
	goldenDir  string               // original golden source, for restore

	deps Deps
	log  *rlog.Logger

	universe []fault.SuspiciousExpression
}

// New builds the four SourceTrees from srcDir (and goldenDir, if non-empty)
// and returns a Loop ready to Run: one copy per role, all four importing
// the same compilation database once exported from validation.
func New(cfg config.Config, tests *testdb.DB, dumps *dumpstore.Store, trace *tracestore.Store,
	srcDir, workDir, buggyFile, goldenDir string, universe []fault.SuspiciousExpression,
	deps Deps, log *rlog.Logger) (*Loop, error) {

	validation, err := worktree.New(worktree.Validation, srcDir, workDir, buggyFile, cfg.Build, deps.Run)
	if err != nil {
		return nil, fmt.Errorf("repair: %w", err)
	}
	frontend, err := worktree.New(worktree.Frontend, srcDir, workDir, buggyFile, cfg.Build, deps.Run)
	if err != nil {
		return nil, fmt.Errorf("repair: %w", err)
	}
	backend, err := worktree.New(worktree.Backend, srcDir, workDir, buggyFile, cfg.Build, deps.Run)
	if err != nil {
		return nil, fmt.Errorf("repair: %w", err)
	}

	var golden *worktree.SourceTree
	if goldenDir != "" {
		golden, err = worktree.New(worktree.Golden, goldenDir, workDir, buggyFile, cfg.Build, deps.Run)
		if err != nil {
			return nil, fmt.Errorf("repair: %w", err)
		}
	}

	if err := importSharedCompilationDB(validation, frontend, backend, golden); err != nil {
		log.Warn("compilation database: %v", err)
	}

	return &Loop{
		cfg: cfg, tests: tests, dumps: dumps, trace: trace,
		srcDir: srcDir, workDir: workDir,
		validation: validation, frontend: frontend, backend: backend, golden: golden, goldenDir: goldenDir,
		deps: deps, log: log, universe: universe,
	}, nil
}

// importSharedCompilationDB reads compile_commands.json from validation's
// directory (if the configured build tool produced one) and reimports it
// into the other trees, so their instrumentation transforms see the same
// compiler flags the real build uses. Absence is non-fatal: the
// compilation database is an optimisation the instrumenter may ignore.
func importSharedCompilationDB(validation, frontend, backend, golden *worktree.SourceTree) error {
	entries, err := readCompileCommands(filepath.Join(validation.Dir, "compile_commands.json"))
	if err != nil {
		return err
	}
	db := validation.ExportCompilationDB(entries)
	for _, t := range []*worktree.SourceTree{frontend, backend, golden} {
		if t == nil {
			continue
		}
		imported := t.ImportCompilationDB(db)
		if err := imported.WriteFile(filepath.Join(t.Dir, compiledbFile)); err != nil {
			return fmt.Errorf("import into %s tree: %w", t.Role, err)
		}
	}
	return nil
}

// readCompileCommands parses a clang-style compile_commands.json into
// compiledb.Entry values. A missing file is not an error: not every build
// system the --build command wraps emits one, and the instrumenter is
// free to ignore an empty CompilationDatabase.
func readCompileCommands(path string) ([]compiledb.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("%s: expected a JSON array", path)
	}
	var entries []compiledb.Entry
	parsed.ForEach(func(_, v gjson.Result) bool {
		var args []string
		if v.Get("arguments").IsArray() {
			for _, a := range v.Get("arguments").Array() {
				args = append(args, a.String())
			}
		} else if cmd := v.Get("command").String(); cmd != "" {
			args = strings.Fields(cmd)
		}
		entries = append(entries, compiledb.Entry{
			File:      v.Get("file").String(),
			Directory: v.Get("directory").String(),
			Arguments: args,
		})
		return true
	})
	return entries, nil
}

// Outcome is the final verdict the top-level CLI reports.
type Outcome struct {
	Status string
	Diff   string
}

const (
	StatusSuccess = "SUCCESS"
	StatusFail    = "FAIL"
	StatusTimeout = "TIMEOUT"
)

// Run drives the full state machine to completion. A non-nil error is
// always a *FatalError (or wraps one): anything else is reported through
// Outcome.Status instead, per the error-propagation policy above.
func (l *Loop) Run(ctx context.Context) (Outcome, error) {
	deadline := time.Now().Add(l.cfg.GlobalTimeout)
	if l.cfg.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	// BUILD_VALIDATION
	if err := l.validation.Build(ctx); err != nil {
		return Outcome{}, &FatalError{Err: err}
	}

	// EVALUATE
	positive, negative, err := l.evaluate(ctx, l.validation)
	if err != nil {
		if out, ok := l.timeoutOutcome(ctx); ok {
			return out, nil
		}
		return Outcome{}, &FatalError{Err: err}
	}
	l.log.Info("initial partition: %d passing, %d failing", len(positive), len(negative))
	if len(negative) == 0 {
		return Outcome{Status: StatusSuccess}, nil
	}

	// COLLECT_TRACES_AND_DUMPS
	if err := l.frontend.Instrument(ctx, l.deps.Instrumenter, instrument.RoleRepairable, l.cfg.Defect, l.cfg.Lines); err != nil {
		return Outcome{}, &FatalError{Err: err}
	}
	if err := l.frontend.Build(ctx); err != nil {
		return Outcome{}, &FatalError{Err: err}
	}
	l.log.Verbose("running positive tests for debugging")
	if err := l.collectPositiveTraces(ctx, positive); err != nil {
		if out, ok := l.timeoutOutcome(ctx); ok {
			return out, nil
		}
		return Outcome{}, &FatalError{Err: err}
	}

	if l.golden != nil {
		if err := l.golden.Build(ctx); err != nil {
			return Outcome{}, &FatalError{Err: err}
		}
	}
	l.log.Verbose("running negative tests for debugging")
	if err := l.collectNegativeTraces(ctx, negative); err != nil {
		if out, ok := l.timeoutOutcome(ctx); ok {
			return out, nil
		}
		var missing *MissingGolden
		if errors.As(err, &missing) {
			l.log.Error("%v", missing)
			return Outcome{Status: StatusFail}, nil
		}
		return Outcome{}, &FatalError{Err: err}
	}

	// LOCALIZE
	positiveTraces, err := l.tracedTests(positive)
	if err != nil {
		return Outcome{}, &FatalError{Err: err}
	}
	negativeTraces, err := l.tracedTests(negative)
	if err != nil {
		return Outcome{}, &FatalError{Err: err}
	}
	groups := fault.Localize(l.cfg, l.universe, positiveTraces, negativeTraces)

	// OUTER(group)
	for len(negative) > 0 && len(groups) > 0 {
		if out, ok := l.timeoutOutcome(ctx); ok {
			return out, nil
		}

		group := groups[0]
		groups = groups[1:]
		l.log.Info("considering suspicious group of %d expression(s)", len(group))

		suite := reduce.Reduce(l.cfg, group, negativeTraces)
		if len(suite) == 0 {
			continue
		}

		if err := l.backend.RestoreBuggy(l.srcDir); err != nil {
			return Outcome{}, &FatalError{Err: err}
		}
		if err := l.backend.Instrument(ctx, l.deps.Instrumenter, instrument.RoleSuspicious, l.cfg.Defect, locationsOf(group)); err != nil {
			return Outcome{}, &FatalError{Err: err}
		}
		if err := l.backend.Build(ctx); err != nil {
			return Outcome{}, &FatalError{Err: err}
		}

		forest, abandoned, err := l.inferForest(ctx, suite, angelic.Forest{})
		if err != nil {
			if out, ok := l.timeoutOutcome(ctx); ok {
				return out, nil
			}
			return Outcome{}, &FatalError{Err: err}
		}
		if abandoned {
			continue
		}

		fixes, err := l.deps.Synthesizer.Synthesize(ctx, forest, l.cfg.SynthesisLevels, l.cfg)
		if err != nil {
			if out, ok := l.timeoutOutcome(ctx); ok {
				return out, nil
			}
			return Outcome{}, &FatalError{Err: err}
		}
		if len(fixes) == 0 {
			l.log.Info("%v", &SynthesisFailure{})
			continue
		}
		l.log.Info("candidate fix synthesized")

		pos, neg, timedOut, err := l.applyFixAndReevaluate(ctx, fixes, suite)
		if timedOut {
			return Outcome{Status: StatusTimeout}, nil
		}
		if err != nil {
			return Outcome{}, err
		}
		positive, negative = pos, neg

		// INNER(counterexample)
		reuse := make(map[testdb.TestId]int)
		for len(negative) > 0 {
			if out, ok := l.timeoutOutcome(ctx); ok {
				return out, nil
			}

			counterexample := negative[0]

			reuse[counterexample]++
			if reuse[counterexample] > l.cfg.MaxCounterexampleReuse {
				l.log.Warn("test %s exceeded counterexample reuse cap, abandoning refinement", counterexample)
				break
			}
			l.log.Info("counterexample test is %s", counterexample)
			suite = append(suite, counterexample)

			grown, abandoned, err := l.inferForest(ctx, reduce.RepairSuite{counterexample}, forest)
			if err != nil {
				if out, ok := l.timeoutOutcome(ctx); ok {
					return out, nil
				}
				return Outcome{}, &FatalError{Err: err}
			}
			forest = grown
			if abandoned {
				break
			}

			refined, err := l.deps.Synthesizer.Synthesize(ctx, forest, l.cfg.SynthesisLevels, l.cfg)
			if err != nil {
				if out, ok := l.timeoutOutcome(ctx); ok {
					return out, nil
				}
				return Outcome{}, &FatalError{Err: err}
			}
			if len(refined) == 0 {
				l.log.Info("%v", &SynthesisFailure{Reason: "refinement"})
				break
			}
			l.log.Info("refined fix is synthesized")

			pos, neg, timedOut, err := l.applyFixAndReevaluate(ctx, refined, suite)
			if timedOut {
				return Outcome{Status: StatusTimeout}, nil
			}
			if err != nil {
				return Outcome{}, err
			}
			positive, negative = pos, neg
		}
	}

	if len(negative) > 0 {
		return Outcome{Status: StatusFail}, nil
	}
	diff, err := l.validation.DiffBuggy(l.srcDir)
	if err != nil {
		return Outcome{}, &FatalError{Err: err}
	}
	return Outcome{Status: StatusSuccess, Diff: diff}, nil
}

// timeoutOutcome reports whether ctx's deadline has passed, in which case
// the caller should unwind to a clean TIMEOUT outcome rather than treating
// it as a fatal error.
func (l *Loop) timeoutOutcome(ctx context.Context) (Outcome, bool) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		l.log.Error("%v", &TimeoutException{Elapsed: l.cfg.GlobalTimeout.String()})
		return Outcome{Status: StatusTimeout}, true
	}
	return Outcome{}, false
}

// evaluate runs every test in the fixed suite order against tree, building
// the test-specific harness first, and returns the (positive, negative)
// partition — together covering the whole suite with no overlap.
func (l *Loop) evaluate(ctx context.Context, tree *worktree.SourceTree) (positive, negative []testdb.TestId, err error) {
	for _, id := range l.tests.Order() {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		tc, ok := l.tests.Get(id)
		if !ok {
			continue
		}
		if err := tree.BuildTest(ctx, tc); err != nil {
			return nil, nil, err
		}
		out, err := l.deps.Tester.Test(ctx, tree.Dir, tc, oracle.Capture{})
		if err != nil {
			return nil, nil, fmt.Errorf("repair: evaluate %s: %w", id, err)
		}
		if out.Passed {
			positive = append(positive, id)
		} else {
			negative = append(negative, id)
		}
	}
	return positive, negative, nil
}

// collectPositiveTraces runs every already-passing test on the
// instrumented frontend, capturing its trace always and its Dump only the
// first time a test is seen (a passing test's own current output is by
// definition the expected output).
func (l *Loop) collectPositiveTraces(ctx context.Context, positive []testdb.TestId) error {
	for _, id := range positive {
		tc, ok := l.tests.Get(id)
		if !ok {
			continue
		}
		if err := l.frontend.BuildTest(ctx, tc); err != nil {
			return err
		}
		needDump := !l.dumps.Has(id)
		out, err := l.deps.Tester.Test(ctx, l.frontend.Dir, tc, oracle.Capture{Dump: needDump, Trace: true})
		if err != nil {
			return fmt.Errorf("repair: trace positive test %s: %w", id, err)
		}
		if needDump {
			if err := l.dumps.Put(id, out.Output); err != nil && !errors.Is(err, dumpstore.ErrAlreadyWritten) {
				return fmt.Errorf("repair: record dump for %s: %w", id, err)
			}
		}
		if err := l.storeTrace(id); err != nil {
			return err
		}
	}
	return nil
}

// collectNegativeTraces runs every failing test on the instrumented
// frontend for its trace, then ensures a Dump exists for it — from the
// golden build when one is configured, or MissingGolden otherwise.
// Inference and synthesis must never run for a test lacking both.
func (l *Loop) collectNegativeTraces(ctx context.Context, negative []testdb.TestId) error {
	for _, id := range negative {
		tc, ok := l.tests.Get(id)
		if !ok {
			continue
		}
		if err := l.frontend.BuildTest(ctx, tc); err != nil {
			return err
		}
		if _, err := l.deps.Tester.Test(ctx, l.frontend.Dir, tc, oracle.Capture{Trace: true}); err != nil {
			return fmt.Errorf("repair: trace negative test %s: %w", id, err)
		}
		if err := l.storeTrace(id); err != nil {
			return err
		}
		if l.dumps.Has(id) {
			continue
		}
		if l.golden == nil {
			return &MissingGolden{Test: id}
		}
		if err := l.golden.BuildTest(ctx, tc); err != nil {
			return err
		}
		l.log.Info("running golden version with test %s", id)
		out, err := l.deps.Tester.Test(ctx, l.golden.Dir, tc, oracle.Capture{Dump: true})
		if err != nil {
			return fmt.Errorf("repair: golden dump %s: %w", id, err)
		}
		if err := l.dumps.Put(id, out.Output); err != nil && !errors.Is(err, dumpstore.ErrAlreadyWritten) {
			return fmt.Errorf("repair: record dump for %s: %w", id, err)
		}
	}
	return nil
}

// storeTrace reads the frontend's side-output trace file for the test that
// was just run and persists it to the trace store (spec.md invariant 3:
// full overwrite on every retrace). A missing file means the instrumented
// binary emitted no repair points at all for this run, which is recorded
// as an empty Trace rather than an error.
func (l *Loop) storeTrace(id testdb.TestId) error {
	path := filepath.Join(l.frontend.Dir, frontendTraceFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l.trace.Put(id, tracestore.Trace{})
		}
		return fmt.Errorf("repair: read trace for %s: %w", id, err)
	}
	var tr tracestore.Trace
	if err := msgpack.Unmarshal(data, &tr); err != nil {
		return fmt.Errorf("repair: decode trace for %s: %w", id, err)
	}
	return l.trace.Put(id, tr)
}

func (l *Loop) tracedTests(ids []testdb.TestId) ([]fault.TracedTest, error) {
	out := make([]fault.TracedTest, 0, len(ids))
	for _, id := range ids {
		parsedId, tr, err := l.trace.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("repair: load trace for %s: %w", id, err)
		}
		out = append(out, fault.TracedTest{Id: parsedId, Trace: tr})
	}
	return out, nil
}

// inferForest infers an AngelicPath list for every test in suite against
// the backend tree (which Run has already restored, instrumented for the
// current suspicious group, and built), rebuilding it per test with
// BuildTest, and folds the result into base (base is empty for a
// fresh OUTER attempt, or the outer forest when growing it with one
// counterexample in the INNER loop). abandoned reports EmptyAngelicForest
// for any test (spec.md §4.5: non-fatal, abandon the attempt).
func (l *Loop) inferForest(ctx context.Context, suite reduce.RepairSuite, base angelic.Forest) (angelic.Forest, bool, error) {
	forest := base.Clone()
	bounds := infer.Bounds{Forks: l.cfg.KleeForks, Timeout: l.cfg.KleeTimeout, SolverTimeout: l.cfg.KleeSolverTimeout}

	for _, id := range suite {
		tc, ok := l.tests.Get(id)
		if !ok {
			continue
		}
		if err := l.backend.BuildTest(ctx, tc); err != nil {
			return nil, false, err
		}
		dump, err := l.dumps.Get(id)
		if err != nil {
			return nil, false, fmt.Errorf("repair: load dump for %s: %w", id, err)
		}
		paths, err := l.deps.Inferrer.Infer(ctx, l.backend.Dir, tc, dump, bounds)
		if err != nil {
			return nil, false, err
		}
		forest[id] = paths
		if forest.Empty(id) {
			l.log.Info("%v", &EmptyAngelicForest{Test: id})
			return forest, true, nil
		}
	}

	if err := angelic.WriteSnapshot(l.snapshotPath(), forest); err != nil {
		l.log.Warn("snapshot: %v", err)
	}
	return forest, false, nil
}

// applyFixAndReevaluate restores validation to buggy state, splices fixes
// in, rebuilds, and re-partitions the suite (spec.md §4.7/invariant 1),
// warning on any regression within the current RepairSuite (invariant 5)
// without treating it as fatal.
func (l *Loop) applyFixAndReevaluate(ctx context.Context, fixes []synth.CandidateFix, suite reduce.RepairSuite) (positive, negative []testdb.TestId, timedOut bool, err error) {
	if err := l.validation.RestoreBuggy(l.srcDir); err != nil {
		return nil, nil, false, &FatalError{Err: err}
	}
	if err := patcher.Apply(l.validation, fixes); err != nil {
		return nil, nil, false, &FatalError{Err: err}
	}
	if err := l.validation.Build(ctx); err != nil {
		return nil, nil, false, &FatalError{Err: err}
	}
	pos, neg, err := l.evaluate(ctx, l.validation)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, true, nil
		}
		return nil, nil, false, &FatalError{Err: err}
	}
	l.warnOnRegression(suite, neg)
	return pos, neg, false, nil
}

// warnOnRegression logs RegressedRepairSuite for every test in suite that
// is still failing after a candidate fix (spec.md invariant 5: warned, not
// fatal — the refinement step is expected to recover it).
func (l *Loop) warnOnRegression(suite reduce.RepairSuite, negative []testdb.TestId) {
	negSet := make(map[testdb.TestId]bool, len(negative))
	for _, id := range negative {
		negSet[id] = true
	}
	for _, id := range suite {
		if negSet[id] {
			l.log.Warn("%v", &RegressedRepairSuite{Test: id})
		}
	}
}

func (l *Loop) snapshotPath() string {
	return filepath.Join(l.workDir, "last-angelic-forest.json")
}

// locationsOf renders a suspicious group's source positions as the
// "file:line" strings instrument.Instrumenter's lines parameter already
// accepts, repurposed here to restrict backend instrumentation to exactly
// this group's occurrences rather than a CLI-wide line restriction.
func locationsOf(group fault.SuspiciousGroup) []string {
	out := make([]string, len(group))
	for i, e := range group {
		out[i] = fmt.Sprintf("%s:%d", e.File, e.Line)
	}
	return out
}
