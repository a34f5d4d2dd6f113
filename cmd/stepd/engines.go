package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/stepd/internal/engine"
)

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List the known engines and whether each is installed",
	RunE:  runEngines,
}

func runEngines(cmd *cobra.Command, args []string) error {
	registry := engine.NewRegistry()
	out := cmd.OutOrStdout()

	for _, e := range registry.All() {
		if e.Installed() {
			fmt.Fprintf(out, "  [x] %-16s (%s)\n", e.Name, e.CLICommand)
		} else {
			fmt.Fprintf(out, "  [ ] %-16s (%s)  install: %s\n", e.Name, e.CLICommand, e.InstallInfo)
		}
	}

	if len(registry.Available()) == 0 {
		fmt.Fprintln(out, "\nNo engines installed. Install one of the CLIs above to run tasks.")
	}
	return nil
}
