package history

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTaskLogLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	log := &TaskLog{
		RunID:       "run-1",
		ProcessName: "review",
		TaskName:    "implement",
		StepIndex:   2,
		Engine:      "claude",
		Model:       "sonnet",
		Prompt:      "do the thing",
	}
	require.NoError(t, store.CreateTaskLog(ctx, log))
	require.NotEmpty(t, log.ID)

	require.NoError(t, store.SetTaskSessionID(ctx, log.ID, "sess-9"))
	require.NoError(t, store.UpdateTaskSummary(ctx, log.ID, "implemented feature"))
	require.NoError(t, store.FinishTaskLog(ctx, log.ID, 0))

	got, err := store.GetTaskLog(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-9", got.SessionID)
	assert.Equal(t, "implemented feature", got.Summary)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.NotNil(t, got.FinishedAt)
	assert.False(t, got.IsOrchestrator)
}

func TestTaskLogNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetTaskLog(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.FinishTaskLog(ctx, "missing", 1), ErrNotFound)
}

func TestSaveResultReplacesSameAttempt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	log := &TaskLog{RunID: "run-1", ProcessName: "review", TaskName: "plan"}
	require.NoError(t, store.CreateTaskLog(ctx, log))

	first := &TaskResult{TaskLogID: log.ID, RunID: "run-1", ProcessName: "review", TaskName: "plan", Content: "v1"}
	require.NoError(t, store.SaveResult(ctx, first))

	second := &TaskResult{TaskLogID: log.ID, RunID: "run-1", ProcessName: "review", TaskName: "plan", Content: "v2"}
	require.NoError(t, store.SaveResult(ctx, second))

	got, err := store.GetResultByTaskLogID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)

	got, err = store.GetResultByTaskName(ctx, "run-1", "plan")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
}

func TestResultsSurviveLaterRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	early := &TaskLog{RunID: "run-1", ProcessName: "review", TaskName: "implement"}
	require.NoError(t, store.CreateTaskLog(ctx, early))
	require.NoError(t, store.SaveResult(ctx, &TaskResult{
		TaskLogID: early.ID, RunID: "run-1", ProcessName: "review", TaskName: "implement", Content: "first run",
	}))

	late := &TaskLog{RunID: "run-2", ProcessName: "review", TaskName: "implement"}
	require.NoError(t, store.CreateTaskLog(ctx, late))
	require.NoError(t, store.SaveResult(ctx, &TaskResult{
		TaskLogID: late.ID, RunID: "run-2", ProcessName: "review", TaskName: "implement", Content: "second run",
	}))

	// A later run of the same process never erases the earlier run's
	// result; the attempt lookup still resolves.
	got, err := store.GetResultByTaskLogID(ctx, early.ID)
	require.NoError(t, err)
	assert.Equal(t, "first run", got.Content)

	got, err = store.GetResultByTaskName(ctx, "run-1", "implement")
	require.NoError(t, err)
	assert.Equal(t, "first run", got.Content)

	got, err = store.GetResultByTaskName(ctx, "run-2", "implement")
	require.NoError(t, err)
	assert.Equal(t, "second run", got.Content)
}

func TestGetResultFallsBackAcrossRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	log := &TaskLog{RunID: "run-1", ProcessName: "triage", TaskName: "plan"}
	require.NoError(t, store.CreateTaskLog(ctx, log))
	require.NoError(t, store.SaveResult(ctx, &TaskResult{
		TaskLogID: log.ID, RunID: "run-1", ProcessName: "triage", TaskName: "plan", Content: "from triage",
	}))

	got, err := store.GetResultByTaskName(ctx, "run-2", "plan")
	require.NoError(t, err)
	assert.Equal(t, "from triage", got.Content)

	_, err = store.GetResultByTaskName(ctx, "run-2", "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindArtifactByTag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	log := &TaskLog{RunID: "run-1", ProcessName: "review", TaskName: "write"}
	require.NoError(t, store.CreateTaskLog(ctx, log))

	require.NoError(t, store.CreateArtifact(ctx, &Artifact{
		TaskLogID: log.ID, RunID: "run-1", Name: "notes", Content: "scratch",
	}))
	require.NoError(t, store.CreateArtifact(ctx, &Artifact{
		TaskLogID: log.ID, RunID: "run-1", Name: "pr", Content: "body text",
		Tags: []string{"pr_description"},
	}))

	got, err := store.FindArtifactByTag(ctx, "run-1", "pr_description")
	require.NoError(t, err)
	assert.Equal(t, "body text", got.Content)

	_, err = store.FindArtifactByTag(ctx, "run-1", "other")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.FindArtifactByTag(ctx, "run-2", "pr_description")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKnowledgeVersioning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	v1, err := store.WriteKnowledge(ctx, "deploy-steps", "first", "initial", "")
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	v2, err := store.WriteKnowledge(ctx, "deploy-steps", "second", "revised", "")
	require.NoError(t, err)
	assert.Equal(t, 2, v2)

	latest, err := store.GetKnowledge(ctx, "deploy-steps", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "second", latest.Content)
	assert.Equal(t, "revised", latest.Reason)

	one := 1
	pinned, err := store.GetKnowledge(ctx, "deploy-steps", &one)
	require.NoError(t, err)
	assert.Equal(t, "first", pinned.Content)

	history, err := store.GetKnowledgeHistory(ctx, "deploy-steps")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, 2, history[1].Version)

	_, err = store.GetKnowledge(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKnowledgeConcurrentWriters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.WriteKnowledge(ctx, "shared", "content", "", "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	history, err := store.GetKnowledgeHistory(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, history, writers)
	for i, k := range history {
		assert.Equal(t, i+1, k.Version)
	}
}

func TestDecisionsOrderedByCreation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	origin := 1
	require.NoError(t, store.SaveDecision(ctx, &Decision{
		RunID: "run-1", Phase: "pre_step", StepIndex: 1, Decision: "inject",
		Reasoning: "needs a fix first",
		InjectedSteps: []StepDef{{
			Task: "fix-tests", Prompt: "fix the failing tests", OriginStepIndex: &origin,
		}},
	}))
	require.NoError(t, store.SaveDecision(ctx, &Decision{
		RunID: "run-1", Phase: "pre_step", StepIndex: 1, Decision: "proceed",
	}))
	require.NoError(t, store.SaveDecision(ctx, &Decision{
		RunID: "run-2", Phase: "finalize", StepIndex: 3, Decision: "proceed",
	}))

	decisions, err := store.GetDecisions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "inject", decisions[0].Decision)
	require.Len(t, decisions[0].InjectedSteps, 1)
	assert.Equal(t, "fix-tests", decisions[0].InjectedSteps[0].Task)
	require.NotNil(t, decisions[0].InjectedSteps[0].OriginStepIndex)
	assert.Equal(t, 1, *decisions[0].InjectedSteps[0].OriginStepIndex)
	assert.Empty(t, decisions[1].InjectedSteps)
}

func TestEarliestRef(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.EarliestRef(ctx, "run-1")
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.CreateRunRef(ctx, &RunRef{RunID: "run-1", CommitSHA: "aaa111"}))
	require.NoError(t, store.CreateRunRef(ctx, &RunRef{RunID: "run-1", CommitSHA: "bbb222"}))

	ref, err := store.EarliestRef(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "aaa111", ref.CommitSHA)
}
