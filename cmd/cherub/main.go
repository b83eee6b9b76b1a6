// Command cherub is the angelic program-repair driver's CLI entry point.
package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// buildVersion is the CLI's version string, overridable at build time via
// -ldflags (e.g. -X main.buildVersion=v1.2.3).
var buildVersion = "0.1.0-dev"

var timeoutCancel context.CancelFunc

var rootCmd = &cobra.Command{
	Use:   "cherub <src> <buggy> <oracle> <tests>",
	Short: "Semantics-based angelic program repair driver",
	Long: `cherub searches for a minimal patch to a buggy program: it localises
suspicious expressions via spectrum-based fault localisation, infers
per-test angelic value vectors with symbolic execution on an
instrumented build, and synthesises a replacement expression consistent
with every inferred vector across the failing suite, refining by
counterexample until every test passes or the search is exhausted.`,
	Args:              cobra.ExactArgs(4),
	PersistentPreRunE: armGlobalTimeout,
	PersistentPostRun: disarmGlobalTimeout,
	RunE:              runRepair,
}

// armGlobalTimeout wires the --timeout flag into a context deadline the
// same way cmd/surge/main.go's PersistentPreRunE does, so RepairLoop.Run
// (internal/repair/repair.go) inherits an already-bounded context rather
// than each subcommand re-deriving the deadline from the flag itself.
// Only an explicitly passed --timeout arms it here; otherwise the deadline
// is Config.GlobalTimeout (default or --config file), which RepairLoop.Run
// applies itself.
func armGlobalTimeout(cmd *cobra.Command, args []string) error {
	if !cmd.Flags().Changed("timeout") {
		return nil
	}
	ms, err := cmd.Root().PersistentFlags().GetInt("timeout")
	if err != nil {
		return err
	}
	if ms <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(ms)*time.Millisecond)
	timeoutCancel = cancel
	cmd.SetContext(ctx)
	return nil
}

func disarmGlobalTimeout(cmd *cobra.Command, args []string) {
	if timeoutCancel != nil {
		timeoutCancel()
		timeoutCancel = nil
	}
}

func main() {
	rootCmd.Version = buildVersion
	rootCmd.AddCommand(repairCmd)
	bindRepairFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
