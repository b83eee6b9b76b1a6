// Package reduce implements the Reducer: given all negative traces and the
// current SuspiciousGroup, selects a minimal subset of failing tests that
// together cover every dynamic occurrence of every expression in the
// group, capped at config.InitialTests. An approximate set cover is
// acceptable here, so this is the textbook greedy cover — pick the test
// that covers the most not-yet-covered occurrences, repeat — rather than
// an exact solver.
package reduce

import (
	"sort"

	"cherub/internal/config"
	"cherub/internal/fault"
	"cherub/internal/testdb"
	"cherub/internal/tracestore"
)

// RepairSuite is the subset of failing tests currently used to constrain
// synthesis. Order is preserved from the test database for deterministic
// downstream iteration.
type RepairSuite []testdb.TestId

// Reduce greedily covers every ExprID in group that occurs in at least one
// negative trace, stopping once covered or once config.InitialTests tests
// have been selected (whichever comes first). Tests are considered in
// negative's given order so that, among ties in marginal coverage, the
// earliest test in the database wins — matching the source-order tie
// breaking Localize already applies to expressions.
func Reduce(cfg config.Config, group fault.SuspiciousGroup, negative []fault.TracedTest) RepairSuite {
	wanted := make(map[string]bool, len(group))
	for _, e := range group {
		wanted[e.ID] = true
	}
	if len(wanted) == 0 || len(negative) == 0 {
		return nil
	}

	covers := make([]map[string]bool, len(negative))
	for i, t := range negative {
		covers[i] = coverage(t.Trace, wanted)
	}

	uncovered := make(map[string]bool, len(wanted))
	for id := range wanted {
		uncovered[id] = true
	}

	var suite RepairSuite
	chosen := make([]bool, len(negative))

	for len(uncovered) > 0 && len(suite) < cfg.InitialTests {
		best := -1
		bestGain := 0
		for i, t := range negative {
			if chosen[i] {
				continue
			}
			gain := 0
			for id := range uncovered {
				if covers[i][id] {
					gain++
				}
			}
			if gain > bestGain {
				bestGain = gain
				best = i
			}
			_ = t
		}
		if best == -1 {
			break // remaining expressions are covered by no negative trace
		}
		chosen[best] = true
		suite = append(suite, negative[best].Id)
		for id := range covers[best] {
			delete(uncovered, id)
		}
	}

	sort.Slice(suite, func(i, j int) bool {
		return indexOf(negative, suite[i]) < indexOf(negative, suite[j])
	})
	return suite
}

func coverage(tr tracestore.Trace, wanted map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for _, p := range tr.Points {
		if wanted[p.ExprID] {
			out[p.ExprID] = true
		}
	}
	return out
}

func indexOf(negative []fault.TracedTest, id testdb.TestId) int {
	for i, t := range negative {
		if t.Id == id {
			return i
		}
	}
	return len(negative)
}
