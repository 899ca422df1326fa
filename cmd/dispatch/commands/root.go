// Package commands implements the dispatch CLI commands using cobra.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "0.2.0"
)

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Rule-driven task orchestrator",
	Long: `Dispatch reads a task backlog, matches each task against a rule set
to pick a specialized worker, and drives every task through delegation,
execution, and recovery while writing an append-only audit trail.

Tasks live in a plain markdown ledger; rules and workers are declared in
YAML. Configure everything in dispatch.yaml.`,
	Version: Version,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file (default: dispatch.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose output")
}
