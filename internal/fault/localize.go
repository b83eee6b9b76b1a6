// Package fault implements the Localizer (spec.md §4.3): spectrum-based
// fault localisation over parsed execution traces, ranking suspicious
// expressions and grouping them for the RepairLoop's outer iteration.
//
// The three ranking formulas are standard spectrum-based-fault-
// localisation arithmetic; spec.md §1 lists "the fault-localisation
// formula" itself as out of scope for fidelity to any one academic
// definition, so this is the minimal faithful implementation rather than
// a port of a pack file (see DESIGN.md).
package fault

import (
	"math"
	"sort"

	"cherub/internal/config"
	"cherub/internal/testdb"
	"cherub/internal/tracestore"
)

// SuspiciousExpression identifies one source expression eligible for
// repair, tagged with the defect class it belongs to and its source
// position for tie-breaking and patch-location purposes.
type SuspiciousExpression struct {
	ID         string
	DefectClass string
	File       string
	Line       int
	Column     int
}

// SuspiciousGroup is an ordered set of expressions considered jointly in
// one outer-loop repair attempt.
type SuspiciousGroup []SuspiciousExpression

// TracedTest pairs a TestId with its parsed Trace, the shape spec.md §4.3
// requires for both the positive and negative inputs.
type TracedTest struct {
	Id    testdb.TestId
	Trace tracestore.Trace
}

type spectrum struct {
	expr       SuspiciousExpression
	passedHit  int // executed by a passing test
	passedMiss int // not executed by a passing test
	failedHit  int // executed by a failing test
	failedMiss int // not executed by a failing test
}

// Localize ranks the given expressions by suspiciousness and partitions
// them into groups of at most config.Suspicious, truncated to
// config.Iterations groups overall, highest-rank-first. Expressions whose
// defect class isn't in config.Defect are filtered out before ranking.
// Ties break by source order (file, then line, then column).
func Localize(cfg config.Config, universe []SuspiciousExpression, positive, negative []TracedTest) []SuspiciousGroup {
	eligible := filterByDefect(cfg, universe)
	if len(eligible) == 0 {
		return nil
	}

	nPos := len(positive)
	nFail := len(negative)

	specs := make([]spectrum, 0, len(eligible))
	for _, e := range eligible {
		s := spectrum{expr: e}
		for _, t := range positive {
			if hitBy(t.Trace, e.ID) {
				s.passedHit++
			} else {
				s.passedMiss++
			}
		}
		for _, t := range negative {
			if hitBy(t.Trace, e.ID) {
				s.failedHit++
			} else {
				s.failedMiss++
			}
		}
		specs = append(specs, s)
	}

	scored := make([]scoredExpr, len(specs))
	for i, s := range specs {
		scored[i] = scoredExpr{expr: s.expr, score: score(cfg.Localization, s, nPos, nFail)}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return lessBySourceOrder(scored[i].expr, scored[j].expr)
	})

	return groupAndTruncate(cfg, scored)
}

type scoredExpr struct {
	expr  SuspiciousExpression
	score float64
}

func filterByDefect(cfg config.Config, universe []SuspiciousExpression) []SuspiciousExpression {
	out := make([]SuspiciousExpression, 0, len(universe))
	for _, e := range universe {
		if cfg.HasDefect(e.DefectClass) {
			out = append(out, e)
		}
	}
	return out
}

func hitBy(tr tracestore.Trace, exprID string) bool {
	for _, p := range tr.Points {
		if p.ExprID == exprID {
			return true
		}
	}
	return false
}

func lessBySourceOrder(a, b SuspiciousExpression) bool {
	if a.File != b.File {
		return a.File < b.File
	}
	if a.Line != b.Line {
		return a.Line < b.Line
	}
	return a.Column < b.Column
}

// score computes the suspiciousness of one expression's spectrum under
// the configured formula. All three formulas reward expressions executed
// mostly by failing tests and rarely by passing ones.
func score(formula config.Localization, s spectrum, nPos, nFail int) float64 {
	efail := float64(s.failedHit)
	epass := float64(s.passedHit)
	totalFail := float64(nFail)
	totalPass := float64(nPos)

	switch formula {
	case config.LocalizationOchiai:
		denom := math.Sqrt(totalFail * (efail + epass))
		if denom == 0 {
			return 0
		}
		return efail / denom
	case config.LocalizationTarantula:
		if totalFail == 0 {
			return 0
		}
		failRatio := efail / totalFail
		passRatio := 0.0
		if totalPass > 0 {
			passRatio = epass / totalPass
		}
		denom := failRatio + passRatio
		if denom == 0 {
			return 0
		}
		return failRatio / denom
	default: // config.LocalizationJaccard
		denom := totalFail + epass
		if denom == 0 {
			return 0
		}
		return efail / denom
	}
}

func groupAndTruncate(cfg config.Config, scored []scoredExpr) []SuspiciousGroup {
	groups := make([]SuspiciousGroup, 0, cfg.Iterations)
	for i := 0; i < len(scored) && len(groups) < cfg.Iterations; i += cfg.Suspicious {
		end := i + cfg.Suspicious
		if end > len(scored) {
			end = len(scored)
		}
		group := make(SuspiciousGroup, 0, end-i)
		for _, se := range scored[i:end] {
			group = append(group, se.expr)
		}
		groups = append(groups, group)
	}
	return groups
}
