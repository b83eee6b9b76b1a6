// Package instrument implements the instrumenter collaborator (spec.md
// §4.1): a one-shot, in-place source rewrite applied to a SourceTree
// before its first build in frontend or backend mode. Two transformer
// roles are distinguished — RepairableTransformer marks repair points for
// trace emission on the frontend tree, SuspiciousTransformer marks
// suspicious expressions for symbolic execution on the backend tree —
// mirroring the role split spec.md §2 draws between the two trees.
package instrument

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"cherub/internal/fault"
	"cherub/internal/procexec"
)

// Role selects which transformer an Instrument call applies.
type Role int

const (
	RoleRepairable Role = iota
	RoleSuspicious
)

func (r Role) String() string {
	switch r {
	case RoleRepairable:
		return "repairable"
	case RoleSuspicious:
		return "suspicious"
	default:
		return "unknown"
	}
}

// Instrumenter rewrites the buggy file of a tree in place. Implementations
// must be idempotent-refusing: calling Instrument twice on the same tree
// without an intervening restore is a caller error (spec.md §4.1: "a tree
// may be re-instrumented only after restore_buggy()"), enforced by
// worktree.SourceTree rather than here.
type Instrumenter interface {
	Instrument(ctx context.Context, treeDir, buggyFile string, role Role, defect []string, lines []string) error
}

// Exec is the os/exec-backed Instrumenter: a single external tool that
// takes the role, the defect classes, and an optional line restriction as
// flags and rewrites buggyFile in place.
type Exec struct {
	ToolPath string
	Run      procexec.Runner
}

// NewExec returns an Exec instrumenter using procexec.Default.
func NewExec(toolPath string) *Exec {
	return &Exec{ToolPath: toolPath, Run: procexec.Default}
}

func (e *Exec) Instrument(ctx context.Context, treeDir, buggyFile string, role Role, defect, lines []string) error {
	args := []string{"--role", role.String(), "--file", buggyFile}
	for _, d := range defect {
		args = append(args, "--defect", d)
	}
	for _, l := range lines {
		args = append(args, "--line", l)
	}
	if _, err := e.Run(ctx, treeDir, e.ToolPath, args); err != nil {
		return fmt.Errorf("instrument: %s on %s: %w", role, buggyFile, err)
	}
	return nil
}

// Discover invokes the instrumentation tool in a one-shot, non-mutating
// mode that enumerates every SuspiciousExpression in buggyFile, so the
// driver can build the Localizer's universe (spec.md §3) once up front
// before either the frontend or backend tree is instrumented for real.
// The tool's stdout is a JSON array of {id, defect, file, line, column}.
func (e *Exec) Discover(ctx context.Context, srcDir, buggyFile string, defect []string) ([]fault.SuspiciousExpression, error) {
	args := []string{"--discover", "--file", buggyFile}
	for _, d := range defect {
		args = append(args, "--defect", d)
	}
	res, err := e.Run(ctx, srcDir, e.ToolPath, args)
	if err != nil {
		return nil, fmt.Errorf("instrument: discover %s: %w", buggyFile, err)
	}
	if len(bytes.TrimSpace(res.Stdout)) == 0 {
		return nil, nil
	}
	parsed := gjson.ParseBytes(res.Stdout)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("instrument: discover %s: expected a JSON array", buggyFile)
	}
	var out []fault.SuspiciousExpression
	parsed.ForEach(func(_, v gjson.Result) bool {
		out = append(out, fault.SuspiciousExpression{
			ID:          v.Get("id").String(),
			DefectClass: v.Get("defect").String(),
			File:        v.Get("file").String(),
			Line:        int(v.Get("line").Int()),
			Column:      int(v.Get("column").Int()),
		})
		return true
	})
	return out, nil
}
