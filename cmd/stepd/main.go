// Package main implements the stepd CLI for running AI coding engines
// through supervised multi-step processes.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath overrides the default config file location
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stepd",
	Short: "Drive AI coding engines through supervised multi-step processes",
	Long: `stepd runs AI coding engine CLIs (Claude Code, OpenCode, Cursor and
others) through reusable tasks and multi-step processes. An optional
orchestrator reviews the run between steps and can inject corrective
steps or abort. Attempts share results, artifacts, and versioned
knowledge through a per-run MCP tool gateway.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default .stepd/config.yaml)")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(enginesCmd)
}
