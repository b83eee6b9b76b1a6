// Package patcher implements the PatchApplicator (spec.md §4.7): splices a
// CandidateFix's replacement expressions into the validation tree's buggy
// file. Adapted from internal/fix/engine.go's span-sorted, conflict-
// checked edit application — here scaled down to one CandidateFix set of
// non-overlapping expression-location edits per file (CandidateFix never
// produces edits for the same span twice) rather than an arbitrary
// diagnostic-fix selection pipeline.
package patcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cherub/internal/synth"
	"cherub/internal/worktree"
)

// ErrTreeNotRestored guards the precondition spec.md §4.7/invariant 1
// states: the validation tree must be in restored-buggy state before
// Apply runs — the patch is always applied against the original, never
// layered on top of a previous candidate.
var ErrTreeNotRestored = fmt.Errorf("patcher: validation tree is not in restored-buggy state")

// ErrOverlappingFixes is returned when two of a CandidateFix set's
// locations overlap in the same file — a synthesiser bug, since each
// suspicious expression in a group occupies a disjoint source span.
var ErrOverlappingFixes = fmt.Errorf("patcher: candidate fix locations overlap")

// Apply splices every fix in fixes into the file its At.File names
// (relative paths resolve against tree.Dir), grouping by file (a CandidateFix set may touch more than one file when a group
// spans several suspicious expressions in different files) and applying
// edits within each file from the highest byte offset down, so earlier
// edits don't invalidate the spans of later ones.
func Apply(tree *worktree.SourceTree, fixes []synth.CandidateFix) error {
	if tree.Patched() {
		return ErrTreeNotRestored
	}
	if len(fixes) == 0 {
		return nil
	}

	byFile := make(map[string][]synth.CandidateFix)
	for _, f := range fixes {
		byFile[f.At.File] = append(byFile[f.At.File], f)
	}

	for file, edits := range byFile {
		path := file
		if !filepath.IsAbs(path) {
			path = filepath.Join(tree.Dir, file)
		}
		if err := applyToFile(path, edits); err != nil {
			return fmt.Errorf("patcher: %s: %w", file, err)
		}
	}
	tree.MarkPatched()
	return nil
}

func applyToFile(path string, edits []synth.CandidateFix) error {
	if err := checkNoOverlap(edits); err != nil {
		return err
	}

	sorted := append([]synth.CandidateFix(nil), edits...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].At.Offset > sorted[j].At.Offset
	})

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	buf := content
	for _, e := range sorted {
		start := e.At.Offset
		end := start + e.At.Length
		if start < 0 || end > len(buf) || end < start {
			return fmt.Errorf("fix for %s: span [%d,%d) out of range for %d-byte file", e.ExprID, start, end, len(buf))
		}
		tail := append([]byte(nil), buf[end:]...)
		buf = append(append(buf[:start], []byte(e.Expression)...), tail...)
	}

	info, err := os.Stat(path)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(path, buf, mode); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func checkNoOverlap(edits []synth.CandidateFix) error {
	for i := range edits {
		for j := range edits {
			if i == j {
				continue
			}
			aStart, aEnd := edits[i].At.Offset, edits[i].At.Offset+edits[i].At.Length
			bStart, bEnd := edits[j].At.Offset, edits[j].At.Offset+edits[j].At.Length
			if aStart < bEnd && bStart < aEnd {
				return ErrOverlappingFixes
			}
		}
	}
	return nil
}
