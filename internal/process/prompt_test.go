package process

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stepd/internal/history"
)

func TestBuildStatusPromptMarkers(t *testing.T) {
	run := NewRun("p1", &Spec{
		Name:        "review",
		Description: "a three step review",
		Steps:       []Step{{Task: "analyze"}, {Task: "implement"}, {Task: "verify"}},
	})
	run.CurrentIndex = 1

	prompt := BuildStatusPrompt(context.Background(), run, nil)

	assert.Contains(t, prompt, "## Process: review")
	assert.Contains(t, prompt, "a three step review")
	assert.Contains(t, prompt, "1. analyze [COMPLETED]")
	assert.Contains(t, prompt, "2. implement [CURRENT (you are here)]")
	assert.Contains(t, prompt, "3. verify [PENDING]")
	assert.Contains(t, prompt, "Current step: implement")
	assert.Contains(t, prompt, "read_result_summary")
	assert.Contains(t, prompt, "write_result")
	assert.NotContains(t, prompt, "Completed Step Summaries")
}

func TestBuildStatusPromptSummaries(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	require.NoError(t, r.store.CreateTaskLog(ctx, &history.TaskLog{
		ID: "t1", RunID: "p1", ProcessName: "review", TaskName: "analyze",
	}))
	require.NoError(t, r.store.UpdateTaskSummary(ctx, "t1", "found three bugs"))
	require.NoError(t, r.store.CreateTaskLog(ctx, &history.TaskLog{
		ID: "t2", RunID: "p1", ProcessName: "review", TaskName: "implement",
	}))
	require.NoError(t, r.store.UpdateTaskSummary(ctx, "t2", strings.Repeat("x", 600)))

	run := NewRun("p1", &Spec{
		Name:  "review",
		Steps: []Step{{Task: "analyze"}, {Task: "implement"}, {Task: "verify"}},
	})
	run.CurrentIndex = 2
	run.Results = []StepResult{
		{StepIndex: 0, TaskName: "analyze", TaskID: "t1", Success: true},
		{StepIndex: 1, TaskName: "implement", TaskID: "t2", Success: true},
	}

	prompt := BuildStatusPrompt(ctx, run, r.store)

	assert.Contains(t, prompt, "## Completed Step Summaries:")
	assert.Contains(t, prompt, "### analyze (step 1):\nfound three bugs")
	// Long summaries are truncated to the preview limit.
	assert.Contains(t, prompt, strings.Repeat("x", summaryPreviewLimit))
	assert.NotContains(t, prompt, strings.Repeat("x", summaryPreviewLimit+1))
}

func TestBuildStatusPromptPastEnd(t *testing.T) {
	run := NewRun("p1", &Spec{Name: "done", Steps: []Step{{Task: "analyze"}}})
	run.CurrentIndex = 1

	prompt := BuildStatusPrompt(context.Background(), run, nil)
	assert.NotContains(t, prompt, "Current step:")
	assert.Contains(t, prompt, "1. analyze [COMPLETED]")
}

func TestBuildOrientationPrompt(t *testing.T) {
	run := NewRun("abc12345", &Spec{
		Name: "review",
		Steps: []Step{
			{Task: "analyze"},
			{Task: "implement", Prompt: "focus on the parser"},
		},
	})
	run.Results = []StepResult{{StepIndex: 0, TaskName: "analyze", Success: true}}

	prompt := BuildOrientationPrompt(run, PhasePreStep, 1)
	assert.Equal(t,
		"Process: review (abc12345)\n"+
			"Phase: pre_step for step 2 of 2\n"+
			"Step: implement - focus on the parser\n"+
			"Completed steps: 1/2\n",
		prompt)
}

func TestBuildOrientationPromptWithoutStepPrompt(t *testing.T) {
	run := NewRun("abc12345", &Spec{
		Name:  "review",
		Steps: []Step{{Task: "analyze"}},
	})

	prompt := BuildOrientationPrompt(run, PhasePreStep, 0)
	assert.Contains(t, prompt, "Step: analyze\n")
	assert.Contains(t, prompt, "Completed steps: 0/1\n")
}

func TestBuildOrientationPromptFinalizePastEnd(t *testing.T) {
	run := NewRun("abc12345", &Spec{
		Name:  "review",
		Steps: []Step{{Task: "analyze"}},
	})
	run.CurrentIndex = 1
	run.Results = []StepResult{{StepIndex: 0, TaskName: "analyze", Success: true}}

	prompt := BuildOrientationPrompt(run, PhaseFinalize, 1)
	assert.Contains(t, prompt, "Phase: finalize for step 2 of 1\n")
	assert.NotContains(t, prompt, "Step: ")
	assert.Contains(t, prompt, "Completed steps: 1/1\n")
}
