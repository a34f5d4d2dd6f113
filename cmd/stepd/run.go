package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/executor"
	"github.com/fyrsmithlabs/stepd/internal/history"
	"github.com/fyrsmithlabs/stepd/internal/runloop"
)

var (
	runParallel int
	runEngine   string
	runModel    string
	runPrompt   string
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a single task, optionally as parallel attempts",
	Long: `Run a single task outside of any process. With --parallel N the same
task runs as N concurrent attempts; each attempt gets its own history
record, and the run succeeds when at least one attempt exits cleanly.

Examples:
  # One attempt of the fix-tests task
  stepd run fix-tests

  # Three racing attempts with an extra instruction
  stepd run implement --parallel 3 --prompt "prefer small diffs"`,
	Args: cobra.ExactArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().IntVar(&runParallel, "parallel", 1, "number of concurrent attempts")
	runCmd.Flags().StringVar(&runEngine, "engine", "", "engine to run the task with")
	runCmd.Flags().StringVar(&runModel, "model", "", "model override for the task")
	runCmd.Flags().StringVar(&runPrompt, "prompt", "", "extra prompt appended to the task prompt")
}

func runTask(cmd *cobra.Command, args []string) error {
	if runParallel < 1 {
		return fmt.Errorf("--parallel must be at least 1, got %d", runParallel)
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	spec := rt.tasks.Get(args[0])
	if spec == nil {
		return unknownNameError("task", args[0], rt.tasks.Names())
	}

	eng, err := rt.engines.Resolve(firstNonEmpty(runEngine, rt.cfg.Engine.Name))
	if err != nil {
		return err
	}
	model := firstNonEmpty(runModel, rt.cfg.Engine.Model, spec.Model)

	processID := uuid.NewString()[:8]
	gw := rt.startGateway(processID, spec.Name, openWorktree())
	if gw != nil {
		defer gw.Stop()
	}

	prompt := spec.Description
	if runPrompt != "" {
		prompt = strings.TrimSpace(prompt + "\n\n" + runPrompt)
	}
	allowed := spec.RestrictedTools()
	if allowed != nil && gw != nil {
		allowed = append(allowed, gw.ToolNames()...)
	}
	gatewayURL := ""
	if gw != nil {
		gatewayURL = gw.URL()
	}

	ctx := cmd.Context()
	attempts := make([]runloop.Attempt, 0, runParallel)
	for i := 0; i < runParallel; i++ {
		taskID := uuid.NewString()
		if err := rt.store.CreateTaskLog(ctx, &history.TaskLog{
			ID:          taskID,
			RunID:       processID,
			ProcessName: spec.Name,
			TaskName:    spec.Name,
			StepIndex:   i,
			Engine:      eng.Name,
			Model:       model,
			Prompt:      prompt,
		}); err != nil {
			return fmt.Errorf("recording attempt %d: %w", i+1, err)
		}
		attempts = append(attempts, runloop.Attempt{
			TaskID: taskID,
			Engine: eng,
			Prompt: prompt,
			Executor: newLocalExecutor(executor.Options{
				TaskID:       taskID,
				Model:        model,
				AllowedTools: allowed,
				GatewayURL:   gatewayURL,
				SystemPrompt: spec.PromptTemplate,
			}),
		})
	}

	loop := runloop.New(rt.logger,
		runloop.WithMonitor(runloop.NewConsoleMonitor(os.Stdout, runParallel)),
		runloop.WithSessionFunc(func(taskID, sessionID string) {
			if err := rt.store.SetTaskSessionID(ctx, taskID, sessionID); err != nil {
				rt.logger.Warn(ctx, "failed to persist session id", zap.Error(err))
			}
		}))
	results := loop.Run(ctx, attempts)

	succeeded := 0
	for i, res := range results {
		if err := rt.store.FinishTaskLog(ctx, res.TaskID, res.ExitCode); err != nil {
			rt.logger.Warn(ctx, "failed to complete task record", zap.Error(err))
		}
		if res.ExitCode == 0 && res.Err == nil {
			succeeded++
		} else if runParallel > 1 {
			fmt.Fprintf(cmd.OutOrStdout(), "attempt %d failed (exit %d)\n", i+1, res.ExitCode)
		}
	}

	if succeeded == 0 {
		return fmt.Errorf("task %s: all %d attempts failed", spec.Name, runParallel)
	}
	if runParallel > 1 {
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d/%d attempts succeeded\n", succeeded, runParallel)
	}
	return nil
}
