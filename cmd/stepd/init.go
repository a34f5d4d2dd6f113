package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/stepd/internal/config"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite existing starter files")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the .stepd directory and starter definitions",
	Long: `Initialize the current directory for stepd. Creates the .stepd working
tree with a commented config file, one example task, and one example
process. Existing files are left alone unless --force is given.

Examples:
  # Set up a project
  stepd init

  # Reset the starter files to their defaults
  stepd init --force`,
	RunE: runInit,
}

const starterConfig = `# stepd configuration. Every key may also be set through the
# environment as STEPD_SECTION_KEY (e.g. STEPD_ENGINE_NAME).

logging:
  level: info
  format: console

engine:
  # Leave name empty to auto-detect the single installed engine.
  name: ""
  model: ""

orchestrator:
  # When enabled, processes run under a supervising attempt that can
  # inject corrective steps or abort the run.
  enabled: false
  max_injections: 3

summarize:
  enabled: false
`

const starterTask = `name = "example"
description = "Demonstrates the task definition layout."
model = ""
# tools = ["Read", "Grep"]
`

const starterTaskPrompt = `# Example task

Replace this file with the instructions the engine should follow.
All markdown files in the task directory are concatenated in sorted
order into the system prompt.
`

const starterProcess = `name = "example"
description = "A one-step process running the example task."

[[steps]]
task = "example"

[orchestrator]
enabled = false
`

func runInit(cmd *cobra.Command, args []string) error {
	if err := config.EnsureStateDir(); err != nil {
		return err
	}

	files := []struct {
		path    string
		content string
	}{
		{filepath.Join(".stepd", "config.yaml"), starterConfig},
		{filepath.Join(".stepd", "tasks", "example", "task.toml"), starterTask},
		{filepath.Join(".stepd", "tasks", "example", "prompt.md"), starterTaskPrompt},
		{filepath.Join(".stepd", "processes", "example", "process.toml"), starterProcess},
	}

	for _, f := range files {
		if !initForce {
			if _, err := os.Stat(f.path); err == nil {
				cmd.Printf("exists   %s\n", f.path)
				continue
			}
		}
		if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(f.path), err)
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.path, err)
		}
		cmd.Printf("created  %s\n", f.path)
	}

	cmd.Println("\nNext: edit .stepd/tasks/example and run 'stepd run example'.")
	return nil
}
