// Package rlog is the driver's leveled, colorized logger, styled after
// internal/diagfmt's severity coloring and cmd/surge/main.go's terminal
// detection — not a logging framework, just fmt.Fprintf with a severity
// prefix, matching the teacher's own plain-stderr texture.
package rlog

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Level controls which severities are emitted.
type Level int

const (
	LevelQuiet Level = iota // warnings and errors only
	LevelInfo               // + info lines (the default)
	LevelVerbose            // + per-stage narration
)

// Logger writes leveled lines to an io.Writer, colorized when the
// underlying file is a terminal.
type Logger struct {
	out     io.Writer
	level   Level
	colorOn bool
}

// New builds a Logger for out. If out is an *os.File attached to a
// terminal, severities are colorized; otherwise output is plain text,
// the same branch cmd/surge/main.go's isTerminal helper exists for.
func New(out io.Writer, level Level) *Logger {
	colorOn := false
	if f, ok := out.(*os.File); ok {
		colorOn = term.IsTerminal(int(f.Fd()))
	}
	return &Logger{out: out, level: level, colorOn: colorOn}
}

// FromConfig derives a Level from --verbose/--quiet flags.
func FromConfig(verbose, quiet bool) Level {
	switch {
	case verbose:
		return LevelVerbose
	case quiet:
		return LevelQuiet
	default:
		return LevelInfo
	}
}

func (l *Logger) print(prefix string, c *color.Color, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s %s\n", prefix, msg)
	if l.colorOn && c != nil {
		line = fmt.Sprintf("%s %s\n", c.Sprint(prefix), msg)
	}
	fmt.Fprint(l.out, line)
}

// Verbose emits a per-stage narration line, only at LevelVerbose.
func (l *Logger) Verbose(format string, args ...any) {
	if l.level < LevelVerbose {
		return
	}
	l.print("[verbose]", color.New(color.FgCyan), format, args...)
}

// Info emits a progress line at LevelInfo and above.
func (l *Logger) Info(format string, args ...any) {
	if l.level < LevelInfo {
		return
	}
	l.print("[info]", color.New(color.FgBlue), format, args...)
}

// Warn emits a recoverable-condition line, always shown.
func (l *Logger) Warn(format string, args ...any) {
	l.print("[warn]", color.New(color.FgYellow), format, args...)
}

// Error emits a fatal-condition line, always shown.
func (l *Logger) Error(format string, args ...any) {
	l.print("[error]", color.New(color.FgRed), format, args...)
}

// Banner prints one of the three literal stdout tokens spec.md §6/§7
// require (SUCCESS, FAIL, TIMEOUT). This always goes to stdout, uncolored,
// regardless of verbosity — it is the program's load-bearing output, not
// a log line.
func Banner(stdout io.Writer, token string) {
	fmt.Fprintln(stdout, token)
}
