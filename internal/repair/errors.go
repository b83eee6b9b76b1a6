package repair

import (
	"fmt"

	"cherub/internal/testdb"
)

// The seven recognised error kinds. CompilationError lives in
// internal/worktree (it's raised by SourceTree.Build) and InferenceError
// in internal/infer (RepairLoop never constructs one itself, only
// distinguishes it from a nil/empty inference result); the other five are
// defined here since they're specific to RepairLoop's own control flow.

// TimeoutException signals the global wall-clock deadline expired.
// Recovered at the top level as a clean "TIMEOUT" outcome, exit 0.
type TimeoutException struct {
	Elapsed string
}

func (e *TimeoutException) Error() string {
	return fmt.Sprintf("repair: global timeout exceeded after %s", e.Elapsed)
}

// EmptyAngelicForest means the inferrer returned an empty list for some
// test. Recovered locally: abandon the current suspicious group or inner
// counterexample.
type EmptyAngelicForest struct {
	Test testdb.TestId
}

func (e *EmptyAngelicForest) Error() string {
	return fmt.Sprintf("repair: no angelic path found for test %s", e.Test)
}

// SynthesisFailure means the synthesiser returned nothing within budget.
// Recovered locally: abandon the current suspicious group or break the
// inner loop.
type SynthesisFailure struct {
	Reason string
}

func (e *SynthesisFailure) Error() string {
	if e.Reason == "" {
		return "repair: synthesis failed to find a candidate within budget"
	}
	return fmt.Sprintf("repair: synthesis failed: %s", e.Reason)
}

// RegressedRepairSuite is warned but never returned as an error from
// RepairLoop — it's recorded so the loop can log it via rlog.Warn and
// continue. Exported as a type anyway so tests can assert on what was
// logged.
type RegressedRepairSuite struct {
	Test testdb.TestId
}

func (e *RegressedRepairSuite) Error() string {
	return fmt.Sprintf("repair: repair-suite test %s still fails under the candidate fix", e.Test)
}

// MissingGolden means a failing test has no Dump and no golden tree is
// configured. The driver logs it and aborts the run with no patch — the
// same no-patch/exit-0 outcome as an exhausted search, not the
// exit-1 FatalError path reserved for CompilationError/InferenceError.
type MissingGolden struct {
	Test testdb.TestId
}

func (e *MissingGolden) Error() string {
	return fmt.Sprintf("repair: test %s has no expected output and no golden tree is configured", e.Test)
}

// FatalError wraps whichever of CompilationError/InferenceError bubbled to
// the top-level handler: anything labelled fatal propagates all the way up
// rather than being recovered in-loop.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error  { return e.Err }
