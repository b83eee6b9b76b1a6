package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the TOML shape of an optional --config file: a typed
// struct checked field-by-field with meta.IsDefined rather than trusting
// zero values.
type fileConfig struct {
	Repair  repairSection  `toml:"repair"`
	Klee    kleeSection    `toml:"klee"`
	Synth   synthSection   `toml:"synthesis"`
}

type repairSection struct {
	InitialTests           int      `toml:"initial_tests"`
	Defect                 []string `toml:"defect"`
	TestTimeoutMS          int      `toml:"test_timeout_ms"`
	Suspicious             int      `toml:"suspicious"`
	Iterations             int      `toml:"iterations"`
	Localization           string   `toml:"localization"`
	Verbose                bool     `toml:"verbose"`
	Quiet                  bool     `toml:"quiet"`
	MaxCounterexampleReuse int      `toml:"max_counterexample_reuse"`
	GlobalTimeoutMS        int      `toml:"global_timeout_ms"`
	Build                  string   `toml:"build"`
}

type kleeSection struct {
	Forks         int `toml:"forks"`
	TimeoutMS     int `toml:"timeout_ms"`
	SolverTimeoutMS int `toml:"solver_timeout_ms"`
}

type synthSection struct {
	TimeoutMS int      `toml:"timeout_ms"`
	Levels    []string `toml:"levels"`
}

// LoadFile layers defaults from a TOML config file onto base. Only fields
// explicitly present in the file (per toml.MetaData.IsDefined) override
// base; everything else in base is left untouched. Flags parsed from the
// CLI are applied by the caller after LoadFile so they always win.
func LoadFile(path string, base Config) (Config, error) {
	var fc fileConfig
	meta, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return base, fmt.Errorf("config: %s: failed to parse TOML: %w", path, err)
	}

	out := base

	if meta.IsDefined("repair", "initial_tests") {
		out.InitialTests = fc.Repair.InitialTests
	}
	if meta.IsDefined("repair", "defect") {
		out.Defect = fc.Repair.Defect
	}
	if meta.IsDefined("repair", "test_timeout_ms") {
		out.TestTimeout = time.Duration(fc.Repair.TestTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("repair", "suspicious") {
		out.Suspicious = fc.Repair.Suspicious
	}
	if meta.IsDefined("repair", "iterations") {
		out.Iterations = fc.Repair.Iterations
	}
	if meta.IsDefined("repair", "localization") {
		out.Localization = Localization(fc.Repair.Localization)
	}
	if meta.IsDefined("repair", "verbose") {
		out.Verbose = fc.Repair.Verbose
	}
	if meta.IsDefined("repair", "quiet") {
		out.Quiet = fc.Repair.Quiet
	}
	if meta.IsDefined("repair", "max_counterexample_reuse") {
		out.MaxCounterexampleReuse = fc.Repair.MaxCounterexampleReuse
	}
	if meta.IsDefined("repair", "global_timeout_ms") {
		out.GlobalTimeout = time.Duration(fc.Repair.GlobalTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("repair", "build") {
		out.Build = fc.Repair.Build
	}

	if meta.IsDefined("klee", "forks") {
		out.KleeForks = fc.Klee.Forks
	}
	if meta.IsDefined("klee", "timeout_ms") {
		out.KleeTimeout = time.Duration(fc.Klee.TimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("klee", "solver_timeout_ms") {
		out.KleeSolverTimeout = time.Duration(fc.Klee.SolverTimeoutMS) * time.Millisecond
	}

	if meta.IsDefined("synthesis", "timeout_ms") {
		out.SynthesisTimeout = time.Duration(fc.Synth.TimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("synthesis", "levels") {
		levels := make([]SynthesisLevel, 0, len(fc.Synth.Levels))
		for _, l := range fc.Synth.Levels {
			levels = append(levels, SynthesisLevel(l))
		}
		out.SynthesisLevels = levels
	}

	return out, nil
}
