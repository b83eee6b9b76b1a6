package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"cherub/internal/config"
	"cherub/internal/dumpstore"
	"cherub/internal/infer"
	"cherub/internal/instrument"
	"cherub/internal/oracle"
	"cherub/internal/procexec"
	"cherub/internal/repair"
	"cherub/internal/rlog"
	"cherub/internal/synth"
	"cherub/internal/testdb"
	"cherub/internal/tracestore"
)

// repairCmd is an explicit alias of the root command: `cherub repair ...`
// and `cherub ...` run the identical repair loop, since repair is the
// driver's only operation.
var repairCmd = &cobra.Command{
	Use:   "repair <src> <buggy> <oracle> <tests>",
	Short: "Run the repair loop (equivalent to invoking cherub directly)",
	Args:  cobra.ExactArgs(4),
	RunE:  runRepair,
}

// bindRepairFlags registers every documented optional flag, plus the
// tool-location and config-file flags this driver adds, as persistent
// flags on root so the repair subcommand inherits them automatically.
func bindRepairFlags(cmd *cobra.Command) {
	d := config.Default()

	cmd.PersistentFlags().String("golden", "", "golden (reference) source directory")
	cmd.PersistentFlags().String("output", "", "optional expected-output dumps file")
	cmd.PersistentFlags().StringSlice("defect", config.DefaultDefectClasses(), "defect classes eligible for repair")
	cmd.PersistentFlags().StringSlice("lines", nil, "restrict localisation to specific file:line positions")
	cmd.PersistentFlags().String("build", d.Build, "build command run in each source tree")
	cmd.PersistentFlags().Int("timeout", int(d.GlobalTimeout.Milliseconds()), "overall wall-clock deadline in milliseconds")
	cmd.PersistentFlags().Int("initial-tests", d.InitialTests, "repair suite size cap for the reducer")
	cmd.PersistentFlags().Int("test-timeout", int(d.TestTimeout.Milliseconds()), "per-test oracle timeout in milliseconds")
	cmd.PersistentFlags().Int("suspicious", d.Suspicious, "suspicious expressions per group")
	cmd.PersistentFlags().Int("iterations", d.Iterations, "suspicious groups to try before giving up")
	cmd.PersistentFlags().String("localization", string(d.Localization), "fault localisation formula (jaccard|ochiai|tarantula)")
	cmd.PersistentFlags().Int("klee-forks", d.KleeForks, "symbolic-execution fork bound")
	cmd.PersistentFlags().Int("klee-timeout", int(d.KleeTimeout.Milliseconds()), "per-test symbolic-execution timeout in milliseconds (0 = unbounded)")
	cmd.PersistentFlags().Int("klee-solver-timeout", int(d.KleeSolverTimeout.Milliseconds()), "per-query solver timeout in milliseconds (0 = unbounded)")
	cmd.PersistentFlags().Int("synthesis-timeout", int(d.SynthesisTimeout.Milliseconds()), "synthesis search budget in milliseconds")
	cmd.PersistentFlags().StringSlice("synthesis-levels", stringSlice(d.SynthesisLevels), "component ladder levels, tried in order")
	cmd.PersistentFlags().Bool("verbose", false, "announce every repair-loop stage")
	cmd.PersistentFlags().Bool("quiet", false, "suppress info-level logging")
	cmd.PersistentFlags().Int("max-counterexample-reuse", d.MaxCounterexampleReuse, "per-test cap on inner-loop counterexample reuse")
	cmd.PersistentFlags().String("config", "", "TOML file layering configuration defaults under the flags above")

	cmd.PersistentFlags().String("instrument-tool", "cherub-instrument", "external instrumenter binary")
	cmd.PersistentFlags().String("infer-tool", "cherub-infer", "external symbolic-execution inferrer binary")
	cmd.PersistentFlags().String("synth-tool", "cherub-synth", "external component-based synthesiser binary")
}

func stringSlice[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// runRepair assembles Config from flags (optionally layered under a TOML
// file), builds the four collaborator adapters, drives the RepairLoop to
// completion, and renders exactly one of SUCCESS/FAIL/TIMEOUT before
// exiting with the matching code (0, or 1 on a fatal error).
func runRepair(cmd *cobra.Command, args []string) error {
	srcDir, buggyFile, oraclePath, testsPath := args[0], args[1], args[2], args[3]

	cfg, err := assembleConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := rlog.New(os.Stderr, rlog.FromConfig(cfg.Verbose, cfg.Quiet))

	goldenDir, _ := cmd.Flags().GetString("golden")
	outputFile, _ := cmd.Flags().GetString("output")
	instrumentTool, _ := cmd.Flags().GetString("instrument-tool")
	inferTool, _ := cmd.Flags().GetString("infer-tool")
	synthTool, _ := cmd.Flags().GetString("synth-tool")

	if goldenDir == "" && outputFile == "" {
		log.Warn("no --golden and no --output: any failing test lacking a supplied dump will abort the run (MissingGolden)")
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("cherub: %w", err)
	}
	workDir := filepath.Join(cwd, ".cherub")
	if err := os.Mkdir(workDir, 0o755); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("cherub: %s already exists; remove it before starting a new run", workDir)
		}
		return fmt.Errorf("cherub: create working directory: %w", err)
	}

	tests, err := testdb.Load(testsPath)
	if err != nil {
		return err
	}

	dumps, err := dumpstore.NewStore(filepath.Join(workDir, "dumps"))
	if err != nil {
		return err
	}
	if outputFile != "" {
		supplied, err := testdb.LoadDumps(outputFile)
		if err != nil {
			return err
		}
		for _, id := range tests.Order() {
			if v, ok := supplied.Get(id); ok {
				if err := dumps.Seed(id, v); err != nil {
					return fmt.Errorf("cherub: seed dump for %s: %w", id, err)
				}
			}
		}
	}

	traces, err := tracestore.NewStore(filepath.Join(workDir, "traces"))
	if err != nil {
		return err
	}

	instExec := instrument.NewExec(instrumentTool)
	oracleExec := oracle.NewExec(oraclePath, cfg.TestTimeout)
	inferExec := infer.NewExec(inferTool)
	synthExec := synth.NewExec(synthTool)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	universe, err := instExec.Discover(ctx, srcDir, buggyFile, cfg.Defect)
	if err != nil {
		return fmt.Errorf("cherub: %w", err)
	}
	log.Verbose("discovered %d candidate suspicious expression(s)", len(universe))

	loop, err := repair.New(cfg, tests, dumps, traces, srcDir, workDir, buggyFile, goldenDir, universe,
		repair.Deps{
			Tester:       oracleExec,
			Instrumenter: instExec,
			Inferrer:     inferExec,
			Synthesizer:  synthExec,
			Run:          procexec.Default,
		}, log)
	if err != nil {
		return fmt.Errorf("cherub: %w", err)
	}

	start := time.Now()
	outcome, err := loop.Run(ctx)

	var fatal *repair.FatalError
	if errors.As(err, &fatal) {
		log.Error("%v", fatal.Unwrap())
		rlog.Banner(os.Stdout, repair.StatusFail)
		os.Exit(1)
	}
	if err != nil {
		return fmt.Errorf("cherub: %w", err)
	}

	switch outcome.Status {
	case repair.StatusSuccess:
		log.Verbose("patch successfully generated in %s", time.Since(start))
		if err := os.WriteFile(filepath.Join(cwd, "generated.diff"), []byte(outcome.Diff), 0o644); err != nil {
			return fmt.Errorf("cherub: write generated.diff: %w", err)
		}
	default:
		log.Verbose("no patch generated in %s", time.Since(start))
	}

	if err := snapshotDumps(filepath.Join(workDir, "dumps.json"), tests, dumps); err != nil {
		log.Warn("dumps snapshot: %v", err)
	}

	rlog.Banner(os.Stdout, outcome.Status)
	os.Exit(0)
	return nil
}

// snapshotDumps writes an operator-facing dumps.json alongside
// last-angelic-forest.json (internal/angelic.WriteSnapshot): every Dump[t]
// known at the end of the run, supplied or captured, in test-database
// order, serialized with testdb.MarshalSupplied. Entries of a document
// already at path keep their position; runRepair creates the working
// directory fresh for each run, so in practice the file is new.
func snapshotDumps(path string, tests *testdb.DB, dumps *dumpstore.Store) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for _, id := range tests.Order() {
		if !dumps.Has(id) {
			continue
		}
		value, err := dumps.Get(id)
		if err != nil {
			return fmt.Errorf("get dump for %s: %w", id, err)
		}
		existing, err = testdb.MarshalSupplied(existing, id, value)
		if err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, existing, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// assembleConfig builds Config starting from defaults, layering an
// optional --config TOML file, then applying only the flags the operator
// actually set — so a checked-in config file's values survive an
// unrelated flag's default ("CLI flags always win over the file" means
// explicitly-set flags, not every flag's zero-cost default).
func assembleConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		layered, err := config.LoadFile(path, cfg)
		if err != nil {
			return config.Config{}, err
		}
		cfg = layered
	}

	flags := cmd.Flags()
	applyMS := func(name string, dst *time.Duration) {
		if flags.Changed(name) {
			ms, _ := flags.GetInt(name)
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
	applyInt := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	applyBool := func(name string, dst *bool) {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
		}
	}

	if flags.Changed("defect") {
		cfg.Defect, _ = flags.GetStringSlice("defect")
	}
	if flags.Changed("lines") {
		cfg.Lines, _ = flags.GetStringSlice("lines")
	}
	if flags.Changed("build") {
		cfg.Build, _ = flags.GetString("build")
	}
	applyMS("timeout", &cfg.GlobalTimeout)
	applyInt("initial-tests", &cfg.InitialTests)
	applyMS("test-timeout", &cfg.TestTimeout)
	applyInt("suspicious", &cfg.Suspicious)
	applyInt("iterations", &cfg.Iterations)
	if flags.Changed("localization") {
		l, _ := flags.GetString("localization")
		cfg.Localization = config.Localization(l)
	}
	applyInt("klee-forks", &cfg.KleeForks)
	applyMS("klee-timeout", &cfg.KleeTimeout)
	applyMS("klee-solver-timeout", &cfg.KleeSolverTimeout)
	applyMS("synthesis-timeout", &cfg.SynthesisTimeout)
	if flags.Changed("synthesis-levels") {
		raw, _ := flags.GetStringSlice("synthesis-levels")
		levels := make([]config.SynthesisLevel, len(raw))
		for i, r := range raw {
			levels[i] = config.SynthesisLevel(r)
		}
		cfg.SynthesisLevels = levels
	}
	applyBool("verbose", &cfg.Verbose)
	applyBool("quiet", &cfg.Quiet)
	applyInt("max-counterexample-reuse", &cfg.MaxCounterexampleReuse)

	return cfg, nil
}
