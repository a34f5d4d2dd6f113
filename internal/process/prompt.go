package process

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/stepd/internal/history"
)

const summaryPreviewLimit = 500

// BuildStatusPrompt renders the run state for injection into a step's
// prompt so the engine understands its position in the process.
func BuildStatusPrompt(ctx context.Context, run *Run, store history.Store) string {
	var b strings.Builder
	b.WriteString("You are running as part of a multi-step process.\n")
	b.WriteString("You have access to stepd MCP tools:\n")
	b.WriteString("- Use `read_result_summary` to load context from previous steps\n")
	b.WriteString("- Use `write_result` before finishing to pass your findings to the next step\n\n")

	fmt.Fprintf(&b, "## Process: %s\n", run.Spec.Name)
	if run.Spec.Description != "" {
		b.WriteString(run.Spec.Description)
		b.WriteString("\n")
	}
	b.WriteString("\n## Steps:\n")

	for i, step := range run.Steps {
		status := "[PENDING]"
		switch {
		case i < run.CurrentIndex:
			status = "[COMPLETED]"
		case i == run.CurrentIndex:
			status = "[CURRENT (you are here)]"
		}
		fmt.Fprintf(&b, "  %d. %s %s\n", i+1, step.Task, status)
	}

	writeCompletedSummaries(ctx, &b, run, store)

	if run.CurrentIndex < len(run.Steps) {
		fmt.Fprintf(&b, "\nCurrent step: %s\n", run.Steps[run.CurrentIndex].Task)
	}
	return b.String()
}

func writeCompletedSummaries(ctx context.Context, b *strings.Builder, run *Run, store history.Store) {
	if store == nil {
		return
	}
	wroteHeader := false
	for _, res := range run.Results {
		if res.StepIndex >= run.CurrentIndex {
			continue
		}
		log, err := store.GetTaskLog(ctx, res.TaskID)
		if err != nil || log.Summary == "" {
			continue
		}
		if !wroteHeader {
			b.WriteString("\n## Completed Step Summaries:\n")
			wroteHeader = true
		}
		summary := log.Summary
		if len(summary) > summaryPreviewLimit {
			summary = summary[:summaryPreviewLimit]
		}
		fmt.Fprintf(b, "\n### %s (step %d):\n%s\n", res.TaskName, res.StepIndex+1, summary)
	}
}

// BuildOrientationPrompt renders the short context the orchestrator
// attempt receives for one phase.
func BuildOrientationPrompt(run *Run, phase Phase, stepIndex int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Process: %s (%s)\n", run.Spec.Name, run.ProcessID)
	fmt.Fprintf(&b, "Phase: %s for step %d of %d\n", phase, stepIndex+1, len(run.Steps))

	if stepIndex < len(run.Steps) {
		step := run.Steps[stepIndex]
		if step.Prompt != "" {
			fmt.Fprintf(&b, "Step: %s - %s\n", step.Task, step.Prompt)
		} else {
			fmt.Fprintf(&b, "Step: %s\n", step.Task)
		}
	}

	completed := 0
	for _, res := range run.Results {
		if res.Success {
			completed++
		}
	}
	fmt.Fprintf(&b, "Completed steps: %d/%d\n", completed, len(run.Steps))
	return b.String()
}
