// Package infer implements the Inferrer collaborator (spec.md §4.5):
// drives symbolic execution of the instrumented backend tree against one
// test and its expected Dump, bounded by klee_forks/klee_timeout/
// klee_solver_timeout, producing a list of AngelicPaths (possibly empty).
package infer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"cherub/internal/angelic"
	"cherub/internal/procexec"
	"cherub/internal/testdb"
)

// InferenceError wraps a lower-level crash in the symbolic engine
// (spec.md §7), distinct from a clean "no angelic path found" which is
// just an empty result with a nil error.
type InferenceError struct {
	Test testdb.TestId
	Err  error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("infer: symbolic engine crashed on test %s: %v", e.Test, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Bounds carries the three symbolic-execution budgets from config.
type Bounds struct {
	Forks         int
	Timeout       time.Duration
	SolverTimeout time.Duration
}

// Inferrer infers angelic paths for one test against the backend tree.
type Inferrer interface {
	Infer(ctx context.Context, backendDir string, tc testdb.Case, dump []byte, bounds Bounds) ([]angelic.Path, error)
}

// Exec is the os/exec-backed Inferrer: a single external symbolic-
// execution tool invoked once per test, emitting a msgpack-encoded list of
// AngelicPaths on stdout.
type Exec struct {
	ToolPath string
	Run      procexec.Runner
}

// NewExec returns an Exec inferrer using procexec.Default.
func NewExec(toolPath string) *Exec {
	return &Exec{ToolPath: toolPath, Run: procexec.Default}
}

func (e *Exec) Infer(ctx context.Context, backendDir string, tc testdb.Case, dump []byte, bounds Bounds) ([]angelic.Path, error) {
	runCtx, cancel := procexec.WithTimeout(ctx, bounds.Timeout)
	defer cancel()

	args := []string{
		"--test", string(tc.Id),
		"--command", tc.Command,
		"--forks", strconv.Itoa(bounds.Forks),
	}
	if bounds.SolverTimeout > 0 {
		args = append(args, "--solver-timeout-ms", strconv.FormatInt(bounds.SolverTimeout.Milliseconds(), 10))
	}
	if len(dump) > 0 {
		args = append(args, "--expected", string(dump))
	}

	res, err := e.Run(runCtx, backendDir, e.ToolPath, args)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &InferenceError{Test: tc.Id, Err: err}
	}

	if len(bytes.TrimSpace(res.Stdout)) == 0 {
		return nil, nil // no angelic assignment found within bounds: non-fatal
	}
	var paths []angelic.Path
	if err := msgpack.Unmarshal(res.Stdout, &paths); err != nil {
		return nil, &InferenceError{Test: tc.Id, Err: fmt.Errorf("malformed angelic paths: %w", err)}
	}
	return paths, nil
}
