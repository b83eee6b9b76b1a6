// Package oracle implements the Tester collaborator (spec.md §4.2): runs
// the user-supplied oracle script against a built SourceTree for one test,
// bounded by config.TestTimeout, reporting pass/fail plus optional
// captured dump/trace side-output.
package oracle

import (
	"context"
	"fmt"
	"time"

	"cherub/internal/procexec"
	"cherub/internal/testdb"
)

// Capture requests that the oracle invocation's observable output be
// captured for the dump store, the trace store, or both, depending on
// which fields are set. Both are optional: most calls capture neither.
type Capture struct {
	Dump  bool
	Trace bool
}

// Outcome is what one oracle run reports.
type Outcome struct {
	Passed bool
	Output []byte // only populated when Capture.Dump is set
}

// Tester runs the oracle for one test against a built tree. Implementations
// are expected to shell out to the oracle script; the production Exec
// adapter is the only one that does — the RepairLoop depends only on this
// interface so it can be driven by fakes in tests.
type Tester interface {
	Test(ctx context.Context, treeDir string, tc testdb.Case, capture Capture) (Outcome, error)
}

// Exec is the os/exec-backed Tester: it invokes the oracle script with the
// tree directory and the test's command/input, bounded by a per-test
// timeout.
type Exec struct {
	OraclePath  string
	TestTimeout time.Duration
	Run         procexec.Runner
}

// NewExec returns an Exec tester using procexec.Default.
func NewExec(oraclePath string, testTimeout time.Duration) *Exec {
	return &Exec{OraclePath: oraclePath, TestTimeout: testTimeout, Run: procexec.Default}
}

// Test invokes the oracle script as `oracle <treeDir> <command> [input]`,
// matching the original driver's single-script-per-test convention: the
// oracle itself decides pass/fail via its exit code, with stdout carrying
// the observable output to capture as Dump[t] when requested.
func (e *Exec) Test(ctx context.Context, treeDir string, tc testdb.Case, capture Capture) (Outcome, error) {
	runCtx, cancel := procexec.WithTimeout(ctx, e.TestTimeout)
	defer cancel()

	args := []string{treeDir, tc.Command}
	if tc.Input != "" {
		args = append(args, tc.Input)
	}

	res, err := e.Run(runCtx, treeDir, e.OraclePath, args)
	if err != nil {
		// A non-zero oracle exit means "test failed", not a tooling error:
		// only report an error here if the process could not be run at all.
		if res.ExitCode != 0 {
			out := Outcome{Passed: false}
			if capture.Dump {
				out.Output = res.Stdout
			}
			return out, nil
		}
		return Outcome{}, fmt.Errorf("oracle: test %s: %w", tc.Id, err)
	}

	out := Outcome{Passed: true}
	if capture.Dump {
		out.Output = res.Stdout
	}
	return out, nil
}
