// Package synth implements the Synthesizer collaborator: given an
// AngelicForest, searches for a replacement expression consistent
// with every AngelicPath of every test in the forest, climbing a ladder of
// component levels within synthesis_timeout.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"fortio.org/safecast"
	"github.com/tidwall/gjson"

	"cherub/internal/angelic"
	"cherub/internal/config"
	"cherub/internal/procexec"
)

// Location is enough source-position information for the patch applicator
// to splice a CandidateFix in.
type Location struct {
	File   string
	Line   int
	Column int
	Offset int // byte offset of the expression being replaced, within File
	Length int // byte span of the expression being replaced
}

// CandidateFix is one synthesised replacement expression per suspicious
// expression in the current group, plus its splice location.
type CandidateFix struct {
	ExprID     string
	Expression string
	At         Location
}

// Synthesizer searches for a CandidateFix set consistent with forest. A
// nil, nil return means no solution was found within budget.
type Synthesizer interface {
	Synthesize(ctx context.Context, forest angelic.Forest, levels []config.SynthesisLevel, cfg config.Config) ([]CandidateFix, error)
}

// Exec is the os/exec-backed Synthesizer: a single external component-
// based synthesis tool, given the forest as msgpack-free JSON (so its
// output is easy to eyeball when debugging a failed search) and returning
// a JSON array of candidate fixes, one per suspicious expression, or an
// empty array when no solution was found.
type Exec struct {
	ToolPath string
	Run      procexec.Runner
}

// NewExec returns an Exec synthesizer using procexec.Default.
func NewExec(toolPath string) *Exec {
	return &Exec{ToolPath: toolPath, Run: procexec.Default}
}

func (e *Exec) Synthesize(ctx context.Context, forest angelic.Forest, levels []config.SynthesisLevel, cfg config.Config) ([]CandidateFix, error) {
	runCtx, cancel := procexec.WithTimeout(ctx, cfg.SynthesisTimeout)
	defer cancel()

	input, err := angelicForestToJSON(forest)
	if err != nil {
		return nil, fmt.Errorf("synth: encode forest: %w", err)
	}

	args := []string{"--stdin-forest"}
	for _, lvl := range levels {
		args = append(args, "--level", string(lvl))
	}

	res, err := e.runWithStdin(runCtx, e.ToolPath, args, input)
	if err != nil {
		return nil, fmt.Errorf("synth: %w", err)
	}
	if len(bytes.TrimSpace(res)) == 0 {
		return nil, nil // no solution within budget
	}
	return parseCandidateFixes(res)
}

// runWithStdin is a small seam over procexec.Runner: the committed Runner
// shape doesn't carry stdin, so Exec composes it with a temp file instead
// of widening the shared interface for one collaborator's need.
func (e *Exec) runWithStdin(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	tmp, err := writeTempInput(stdin)
	if err != nil {
		return nil, err
	}
	defer removeTempInput(tmp)
	res, err := e.Run(ctx, "", name, append(args, "--forest-file", tmp))
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

func writeTempInput(data []byte) (string, error) {
	f, err := os.CreateTemp("", "cherub-forest-*.json")
	if err != nil {
		return "", fmt.Errorf("synth: create forest temp file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("synth: write forest temp file: %w", err)
	}
	return f.Name(), nil
}

func removeTempInput(path string) {
	_ = os.Remove(path)
}

func parseCandidateFixes(data []byte) ([]CandidateFix, error) {
	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("expected a JSON array of candidate fixes")
	}
	var fixes []CandidateFix
	var parseErr error
	parsed.ForEach(func(_, v gjson.Result) bool {
		loc, err := locationFromJSON(v)
		if err != nil {
			parseErr = fmt.Errorf("candidate fix location: %w", err)
			return false
		}
		fixes = append(fixes, CandidateFix{
			ExprID:     v.Get("expr").String(),
			Expression: v.Get("expression").String(),
			At:         loc,
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return fixes, nil
}

// locationFromJSON converts the synthesiser's int64 JSON fields down to
// the plain ints Location stores, rejecting values that do not fit in an
// int (a malformed tool response) instead of silently truncating them.
// Sign and range within the file are not checked here; patcher.Apply
// rejects a span that falls outside the file.
func locationFromJSON(v gjson.Result) (Location, error) {
	line, err := safecast.Conv[int](v.Get("line").Int())
	if err != nil {
		return Location{}, fmt.Errorf("line: %w", err)
	}
	column, err := safecast.Conv[int](v.Get("column").Int())
	if err != nil {
		return Location{}, fmt.Errorf("column: %w", err)
	}
	offset, err := safecast.Conv[int](v.Get("offset").Int())
	if err != nil {
		return Location{}, fmt.Errorf("offset: %w", err)
	}
	length, err := safecast.Conv[int](v.Get("length").Int())
	if err != nil {
		return Location{}, fmt.Errorf("length: %w", err)
	}
	return Location{
		File:   v.Get("file").String(),
		Line:   line,
		Column: column,
		Offset: offset,
		Length: length,
	}, nil
}

// angelicForestToJSON encodes forest with encoding/json, the same package
// angelic.WriteSnapshot (internal/angelic/angelic.go) uses for its debugging
// snapshot of the identical types — reused here rather than hand-rolled so
// every Value's occurrence string gets proper JSON string escaping.
func angelicForestToJSON(f angelic.Forest) ([]byte, error) {
	return json.Marshal(f)
}
