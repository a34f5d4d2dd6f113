package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/stepd/internal/process"
	"github.com/fyrsmithlabs/stepd/internal/runloop"
	"github.com/fyrsmithlabs/stepd/internal/worktree"
)

var (
	processEngine string
	processModel  string
	processPrompt string
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run and inspect multi-step processes",
}

var processRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run a process to completion",
	Long: `Run a process to completion. Each step executes its task through the
configured engine; when the orchestrator is enabled it reviews the run
before and after every step and can inject corrective steps or abort.

Examples:
  # Run the review process
  stepd process run review

  # Force an engine and model for all steps
  stepd process run review --engine "Claude Code" --model opus`,
	Args: cobra.ExactArgs(1),
	RunE: runProcess,
}

var processListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the processes the catalogs define",
	RunE:  runProcessList,
}

func init() {
	processRunCmd.Flags().StringVar(&processEngine, "engine", "", "engine for steps without their own")
	processRunCmd.Flags().StringVar(&processModel, "model", "", "model for steps without their own")
	processRunCmd.Flags().StringVar(&processPrompt, "prompt", "", "extra prompt appended to every step")
	processCmd.AddCommand(processRunCmd)
	processCmd.AddCommand(processListCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	spec := rt.procs.Get(args[0])
	if spec == nil {
		return unknownNameError("process", args[0], rt.procs.Names())
	}

	processID := uuid.NewString()[:8]
	tree := openWorktree()

	opts := []process.SequencerOption{
		process.WithProcessID(processID),
		process.WithMonitor(runloop.NewConsoleMonitor(os.Stdout, 1)),
		process.WithOrchestrator(process.OrchestratorConfig{
			Enabled:       rt.cfg.Orchestrator.Enabled,
			Engine:        rt.cfg.Orchestrator.Engine,
			Model:         rt.cfg.Orchestrator.Model,
			Image:         rt.cfg.Orchestrator.Image,
			MaxInjections: rt.cfg.Orchestrator.MaxInjections,
		}),
	}
	if name := firstNonEmpty(processEngine, rt.cfg.Engine.Name); name != "" {
		opts = append(opts, process.WithEngineOverride(name))
	}
	if model := firstNonEmpty(processModel, rt.cfg.Engine.Model); model != "" {
		opts = append(opts, process.WithModelOverride(model))
	}
	if processPrompt != "" {
		opts = append(opts, process.WithExtraPrompt(processPrompt))
	}
	if sha := headSHA(tree); sha != "" {
		opts = append(opts, process.WithInitialCommit(sha))
	}

	// A failed gateway degrades the run rather than blocking it: steps
	// execute without the shared tools, and allowlists omit them.
	if gw := rt.startGateway(processID, spec.Name, tree); gw != nil {
		defer gw.Stop()
		opts = append(opts, process.WithGateway(gw))
	}

	seq := process.NewSequencer(rt.store, rt.tasks, rt.engines, newLocalExecutor, rt.logger, opts...)
	run := seq.Run(cmd.Context(), spec)

	printRunSummary(cmd, run)

	for _, res := range run.Results {
		if !res.Success {
			return fmt.Errorf("process %s failed at step %d (%s, exit %d)",
				spec.Name, res.StepIndex+1, res.TaskName, res.ExitCode)
		}
	}
	if len(run.Results) < len(run.Steps) {
		return fmt.Errorf("process %s stopped after %d of %d steps",
			spec.Name, len(run.Results), len(run.Steps))
	}
	return nil
}

func headSHA(tree *worktree.Tree) string {
	if tree == nil {
		return ""
	}
	sha, err := tree.HeadSHA()
	if err != nil {
		return ""
	}
	return sha
}

func printRunSummary(cmd *cobra.Command, run *process.Run) {
	out := cmd.OutOrStdout()
	completed := 0
	for _, res := range run.Results {
		if res.Success {
			completed++
		}
	}
	fmt.Fprintf(out, "\nProcess %s (%s): %d/%d steps completed\n",
		run.Spec.Name, run.ProcessID, completed, len(run.Steps))

	for _, res := range run.Results {
		status := "ok"
		if !res.Success {
			status = fmt.Sprintf("exit %d", res.ExitCode)
		}
		fmt.Fprintf(out, "  %d. %s: %s (%.1fs)\n",
			res.StepIndex+1, res.TaskName, status, float64(res.DurationMS)/1000)
	}

	for _, dec := range run.Decisions {
		if dec.Verdict == process.VerdictAbort {
			fmt.Fprintf(out, "\nAborted by orchestrator at step %d: %s\n",
				dec.StepIndex+1, dec.Reasoning)
		}
	}

	if run.PRBody != "" {
		fmt.Fprintf(out, "\n--- PR description ---\n%s\n", run.PRBody)
	}
}

func runProcessList(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	names := rt.procs.Names()
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No processes defined. Add directories with process.toml under .stepd/processes/.")
		return nil
	}
	for _, name := range names {
		spec := rt.procs.Get(name)
		fmt.Fprintf(cmd.OutOrStdout(), "%-24s %d steps  %s\n", name, len(spec.Steps), spec.Description)
	}
	return nil
}
