// Package config defines the driver's single immutable configuration
// record and its two sources: CLI flags and an optional TOML file of
// defaults layered underneath them.
package config

import (
	"fmt"
	"time"
)

// Localization names the spectrum-based fault-localisation formula.
type Localization string

const (
	LocalizationJaccard   Localization = "jaccard"
	LocalizationOchiai    Localization = "ochiai"
	LocalizationTarantula Localization = "tarantula"
)

func (l Localization) valid() bool {
	switch l {
	case LocalizationJaccard, LocalizationOchiai, LocalizationTarantula:
		return true
	default:
		return false
	}
}

// SynthesisLevel names one rung of the synthesiser's component ladder.
type SynthesisLevel string

const (
	LevelAlternative SynthesisLevel = "alternative"
	LevelInteger     SynthesisLevel = "integer"
	LevelBoolean     SynthesisLevel = "boolean"
	LevelComparison  SynthesisLevel = "comparison"
)

func (l SynthesisLevel) valid() bool {
	switch l {
	case LevelAlternative, LevelInteger, LevelBoolean, LevelComparison:
		return true
	default:
		return false
	}
}

// DefaultSynthesisLevels is the synthesiser's default component ladder order.
func DefaultSynthesisLevels() []SynthesisLevel {
	return []SynthesisLevel{LevelAlternative, LevelInteger, LevelBoolean, LevelComparison}
}

// DefaultDefectClasses is the default set of defect classes eligible for repair.
func DefaultDefectClasses() []string {
	return []string{"condition", "assignment"}
}

// Config is the one record threaded by shared reference through every
// component, in place of a loosely-typed dictionary.
type Config struct {
	InitialTests     int
	Defect           []string
	TestTimeout      time.Duration
	Suspicious       int
	Iterations       int
	Localization     Localization
	KleeForks        int
	KleeTimeout      time.Duration
	KleeSolverTimeout time.Duration
	SynthesisTimeout time.Duration
	SynthesisLevels  []SynthesisLevel
	Verbose          bool
	Quiet            bool

	// Lines restricts localisation to specific source lines when non-empty.
	Lines []string

	// MaxCounterexampleReuse bounds how many times one TestId may re-enter
	// the inner CEGIS loop as a counterexample within a single OUTER
	// attempt, a defensive bound against the oscillation risk an unbounded
	// reuse cap would otherwise create (see DESIGN.md).
	MaxCounterexampleReuse int

	// GlobalTimeout is the overall wall-clock deadline.
	GlobalTimeout time.Duration

	// Build is the shell command used to build each SourceTree.
	Build string
}

// Default returns the configuration with every flag at its documented default.
func Default() Config {
	return Config{
		InitialTests:           3,
		Defect:                 DefaultDefectClasses(),
		TestTimeout:            10000 * time.Millisecond,
		Suspicious:             5,
		Iterations:             4,
		Localization:           LocalizationJaccard,
		KleeForks:              1000,
		KleeTimeout:            0,
		KleeSolverTimeout:      0,
		SynthesisTimeout:       10000 * time.Millisecond,
		SynthesisLevels:        DefaultSynthesisLevels(),
		Verbose:                false,
		Quiet:                  false,
		MaxCounterexampleReuse: 3,
		GlobalTimeout:          100000 * time.Millisecond,
		Build:                  "make -e",
	}
}

// Validate checks the invariants the field set must satisfy.
func (c Config) Validate() error {
	if c.InitialTests <= 0 {
		return fmt.Errorf("config: initial-tests must be positive, got %d", c.InitialTests)
	}
	if c.Suspicious <= 0 {
		return fmt.Errorf("config: suspicious must be positive, got %d", c.Suspicious)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("config: iterations must be positive, got %d", c.Iterations)
	}
	if !c.Localization.valid() {
		return fmt.Errorf("config: unknown localization formula %q", c.Localization)
	}
	if len(c.SynthesisLevels) == 0 {
		return fmt.Errorf("config: synthesis-levels must not be empty")
	}
	for _, lvl := range c.SynthesisLevels {
		if !lvl.valid() {
			return fmt.Errorf("config: unknown synthesis level %q", lvl)
		}
	}
	if c.MaxCounterexampleReuse <= 0 {
		return fmt.Errorf("config: max-counterexample-reuse must be positive, got %d", c.MaxCounterexampleReuse)
	}
	if c.Verbose && c.Quiet {
		return fmt.Errorf("config: --verbose and --quiet are mutually exclusive")
	}
	if c.Build == "" {
		return fmt.Errorf("config: build command must not be empty")
	}
	return nil
}

// HasDefect reports whether the given defect class is enabled.
func (c Config) HasDefect(class string) bool {
	for _, d := range c.Defect {
		if d == class {
			return true
		}
	}
	return false
}
