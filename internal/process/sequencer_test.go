package process

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stepd/internal/engine"
	"github.com/fyrsmithlabs/stepd/internal/executor"
	"github.com/fyrsmithlabs/stepd/internal/history"
	"github.com/fyrsmithlabs/stepd/internal/task"
)

// rig scripts executor behavior per task name. Executors look their
// task record up by ID, so behavior can key on what the sequencer
// actually recorded.
type rig struct {
	t     *testing.T
	store history.Store

	mu        sync.Mutex
	exitCodes map[string]int
	outputs   map[string]string
	decide    func(log *history.TaskLog)
	calls     []string
	opts      map[string]executor.Options
}

func newRig(t *testing.T) *rig {
	t.Helper()
	store, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &rig{
		t:         t,
		store:     store,
		exitCodes: make(map[string]int),
		outputs:   make(map[string]string),
		opts:      make(map[string]executor.Options),
	}
}

func (r *rig) factory(opts executor.Options) executor.Executor {
	return &rigExecutor{rig: r, opts: opts}
}

func (r *rig) taskCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

type rigExecutor struct {
	rig      *rig
	opts     executor.Options
	exitCode int
	output   string
}

func (e *rigExecutor) Setup(_ context.Context, _ engine.Engine, _ string) error {
	return nil
}

func (e *rigExecutor) Run(ctx context.Context) (<-chan executor.Message, error) {
	log, err := e.rig.store.GetTaskLog(ctx, e.opts.TaskID)
	require.NoError(e.rig.t, err)

	e.rig.mu.Lock()
	e.rig.calls = append(e.rig.calls, log.TaskName)
	e.rig.opts[log.TaskName] = e.opts
	e.exitCode = e.rig.exitCodes[log.TaskName]
	e.output = e.rig.outputs[log.TaskName]
	decide := e.rig.decide
	e.rig.mu.Unlock()

	if decide != nil && log.IsOrchestrator {
		decide(log)
	}

	ch := make(chan executor.Message, 2)
	ch <- executor.Message{Type: executor.TypeSystemInit, SessionID: "sess-" + log.TaskName}
	if e.output != "" {
		ch <- executor.Message{Type: executor.TypeAssistant, Content: e.output}
	}
	close(ch)
	return ch, nil
}

func (e *rigExecutor) Teardown(context.Context) error { return nil }
func (e *rigExecutor) ExitCode() int                  { return e.exitCode }
func (e *rigExecutor) Summary() *executor.Summary     { return nil }

type fakeGateway struct {
	mu     sync.Mutex
	states []StateView
}

func (g *fakeGateway) URL() string         { return "http://127.0.0.1:1/" }
func (g *fakeGateway) ToolNames() []string { return []string{"mcp__stepd__write_result"} }

func (g *fakeGateway) PublishState(view StateView) {
	g.mu.Lock()
	g.states = append(g.states, view)
	g.mu.Unlock()
}

func (g *fakeGateway) last() StateView {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.states[len(g.states)-1]
}

func testEngines() *engine.Registry {
	// "sh" is always in PATH, so the engine resolves as installed.
	return engine.NewRegistryWith(engine.Engine{Name: "fake", CLICommand: "sh"})
}

func workerCatalog() task.MapCatalog {
	return task.MapCatalog{
		"analyze":   {Name: "analyze"},
		"build":     {Name: "build", Model: "sonnet"},
		"fix-tests": {Name: "fix-tests"},
	}
}

func orchestratorCatalog() task.MapCatalog {
	cat := workerCatalog()
	cat[TaskOrchestratorPre] = &task.Spec{Name: TaskOrchestratorPre}
	cat[TaskOrchestratorPost] = &task.Spec{Name: TaskOrchestratorPost}
	cat[TaskOrchestratorFinalize] = &task.Spec{Name: TaskOrchestratorFinalize}
	return cat
}

func twoStepSpec() *Spec {
	return &Spec{
		Name:        "review",
		Description: "analyze then build",
		Steps:       []Step{{Task: "analyze"}, {Task: "build"}},
	}
}

func TestRunTwoStepsWithoutOrchestrator(t *testing.T) {
	r := newRig(t)
	seq := NewSequencer(r.store, workerCatalog(), testEngines(), r.factory, nil)

	run := seq.Run(context.Background(), twoStepSpec())

	require.Len(t, run.Results, 2)
	assert.True(t, run.Results[0].Success)
	assert.True(t, run.Results[1].Success)
	assert.Equal(t, 2, run.CurrentIndex)
	assert.Empty(t, run.Decisions)
	assert.Empty(t, run.PRBody)
	assert.Equal(t, []string{"analyze", "build"}, r.taskCalls())

	// Session IDs from the stream end up on the task records.
	log, err := r.store.GetTaskLog(context.Background(), run.Results[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, "sess-analyze", log.SessionID)
}

func TestRunStopsOnUnknownTask(t *testing.T) {
	r := newRig(t)
	seq := NewSequencer(r.store, workerCatalog(), testEngines(), r.factory, nil)

	run := seq.Run(context.Background(), &Spec{
		Name:  "broken",
		Steps: []Step{{Task: "ghost"}, {Task: "build"}},
	})

	assert.Empty(t, run.Results)
	assert.Equal(t, 0, run.CurrentIndex)
	assert.Empty(t, r.taskCalls())
}

func TestRunStepFailureStopsProcess(t *testing.T) {
	r := newRig(t)
	r.exitCodes["analyze"] = 1
	seq := NewSequencer(r.store, orchestratorCatalog(), testEngines(), r.factory, nil,
		WithOrchestrator(OrchestratorConfig{Enabled: true, Engine: "fake"}))

	run := seq.Run(context.Background(), twoStepSpec())

	require.Len(t, run.Results, 1)
	assert.False(t, run.Results[0].Success)
	assert.Equal(t, 1, run.Results[0].ExitCode)
	assert.Equal(t, 0, run.CurrentIndex)

	// The failed step gets no post-step consult, but finalize still runs.
	calls := r.taskCalls()
	assert.Equal(t, []string{TaskOrchestratorPre, "analyze", TaskOrchestratorFinalize}, calls)
}

func TestRunDefaultProceedDecisions(t *testing.T) {
	r := newRig(t)
	seq := NewSequencer(r.store, orchestratorCatalog(), testEngines(), r.factory, nil,
		WithOrchestrator(OrchestratorConfig{Enabled: true, Engine: "fake"}))

	run := seq.Run(context.Background(), twoStepSpec())

	require.Len(t, run.Results, 2)
	// One pre-step proceed per step. Post-step and finalize decisions
	// are never part of the run's decision log.
	require.Len(t, run.Decisions, 2)
	for i, dec := range run.Decisions {
		assert.Equal(t, PhasePreStep, dec.Phase)
		assert.Equal(t, i, dec.StepIndex)
		assert.Equal(t, VerdictProceed, dec.Verdict)
		assert.Contains(t, dec.Reasoning, "defaulting to proceed")
	}

	assert.Equal(t, []string{
		TaskOrchestratorPre, "analyze", TaskOrchestratorPost,
		TaskOrchestratorPre, "build", TaskOrchestratorPost,
		TaskOrchestratorFinalize,
	}, r.taskCalls())
}

func TestRunAbortStopsBeforeStep(t *testing.T) {
	r := newRig(t)
	r.decide = func(log *history.TaskLog) {
		if log.TaskName == TaskOrchestratorPre && log.StepIndex == 1 {
			saveDecision(t, r.store, log, "abort", "build is pointless now", nil)
		}
	}
	seq := NewSequencer(r.store, orchestratorCatalog(), testEngines(), r.factory, nil,
		WithOrchestrator(OrchestratorConfig{Enabled: true, Engine: "fake"}))

	run := seq.Run(context.Background(), twoStepSpec())

	require.Len(t, run.Results, 1)
	assert.Equal(t, "analyze", run.Results[0].TaskName)
	assert.Equal(t, 1, run.CurrentIndex)

	// The decision log is exactly the pre-step verdicts; the finalize
	// consult that follows the abort leaves no entry.
	var verdicts []Verdict
	for _, dec := range run.Decisions {
		verdicts = append(verdicts, dec.Verdict)
	}
	require.Equal(t, []Verdict{VerdictProceed, VerdictAbort}, verdicts)
	assert.Equal(t, 1, run.Decisions[1].StepIndex)
	assert.Equal(t, "build is pointless now", run.Decisions[1].Reasoning)

	// Finalize runs even after an abort.
	assert.Contains(t, r.taskCalls(), TaskOrchestratorFinalize)
	assert.NotContains(t, r.taskCalls(), "build")
}

func TestRunInjectionInsertsAtCursor(t *testing.T) {
	r := newRig(t)
	injected := false
	r.decide = func(log *history.TaskLog) {
		if log.TaskName == TaskOrchestratorPre && log.StepIndex == 1 && !injected {
			injected = true
			saveDecision(t, r.store, log, "inject", "tests are red",
				[]history.StepDef{{Task: "fix-tests", Prompt: "make tests pass"}})
		}
	}
	seq := NewSequencer(r.store, orchestratorCatalog(), testEngines(), r.factory, nil,
		WithOrchestrator(OrchestratorConfig{Enabled: true, Engine: "fake"}))

	run := seq.Run(context.Background(), twoStepSpec())

	require.Len(t, run.Steps, 3)
	assert.Equal(t, "fix-tests", run.Steps[1].Task)
	require.NotNil(t, run.Steps[1].OriginStepIndex)
	assert.Equal(t, 1, *run.Steps[1].OriginStepIndex)
	assert.Nil(t, run.Steps[0].OriginStepIndex)

	require.Len(t, run.Results, 3)
	assert.Equal(t, "analyze", run.Results[0].TaskName)
	assert.Equal(t, "fix-tests", run.Results[1].TaskName)
	assert.Equal(t, "build", run.Results[2].TaskName)
	assert.Equal(t, 3, run.CurrentIndex)
}

func TestRunInjectionLimitDowngradesToProceed(t *testing.T) {
	r := newRig(t)
	r.decide = func(log *history.TaskLog) {
		if log.TaskName == TaskOrchestratorPre && log.StepIndex == 0 {
			saveDecision(t, r.store, log, "inject", "keep going",
				[]history.StepDef{{Task: "fix-tests"}})
		}
	}
	seq := NewSequencer(r.store, orchestratorCatalog(), testEngines(), r.factory, nil,
		WithOrchestrator(OrchestratorConfig{Enabled: true, Engine: "fake", MaxInjections: 2}))

	run := seq.Run(context.Background(), &Spec{
		Name:  "loop",
		Steps: []Step{{Task: "build"}},
	})

	// Two injections land, the third consult is downgraded to proceed
	// and the step at the cursor executes.
	require.Len(t, run.Steps, 3)
	assert.Equal(t, "fix-tests", run.Steps[0].Task)
	assert.Equal(t, "fix-tests", run.Steps[1].Task)
	assert.Equal(t, "build", run.Steps[2].Task)

	var verdicts []Verdict
	for _, dec := range run.Decisions {
		if dec.Phase == PhasePreStep && dec.StepIndex == 0 {
			verdicts = append(verdicts, dec.Verdict)
		}
	}
	require.Len(t, verdicts, 3)
	assert.Equal(t, []Verdict{VerdictInject, VerdictInject, VerdictProceed}, verdicts)
	// The downgraded decision carries no steps.
	assert.Empty(t, run.Decisions[2].InjectedSteps)

	require.Len(t, run.Results, 3)
	for _, res := range run.Results {
		assert.True(t, res.Success)
	}
}

func TestRunSkipOrchestratorStep(t *testing.T) {
	r := newRig(t)
	seq := NewSequencer(r.store, orchestratorCatalog(), testEngines(), r.factory, nil,
		WithOrchestrator(OrchestratorConfig{Enabled: true, Engine: "fake"}))

	run := seq.Run(context.Background(), &Spec{
		Name:  "quiet",
		Steps: []Step{{Task: "analyze", SkipOrchestrator: true}},
	})

	require.Len(t, run.Results, 1)
	assert.Equal(t, []string{"analyze", TaskOrchestratorFinalize}, r.taskCalls())
}

func TestRunSpecOrchestratorOverridesConfigured(t *testing.T) {
	r := newRig(t)
	seq := NewSequencer(r.store, orchestratorCatalog(), testEngines(), r.factory, nil,
		WithOrchestrator(OrchestratorConfig{Enabled: true, Engine: "fake"}))

	spec := twoStepSpec()
	spec.Orchestrator = &OrchestratorConfig{Enabled: false}
	run := seq.Run(context.Background(), spec)

	require.Len(t, run.Results, 2)
	assert.Empty(t, run.Decisions)
	assert.Equal(t, []string{"analyze", "build"}, r.taskCalls())
}

func TestRunModelResolution(t *testing.T) {
	r := newRig(t)
	seq := NewSequencer(r.store, workerCatalog(), testEngines(), r.factory, nil,
		WithModelOverride("haiku"))

	seq.Run(context.Background(), &Spec{
		Name: "models",
		Steps: []Step{
			{Task: "analyze"},
			{Task: "build", Model: "opus"},
			{Task: "fix-tests"},
		},
	})

	assert.Equal(t, "haiku", r.opts["analyze"].Model)
	assert.Equal(t, "opus", r.opts["build"].Model)
	assert.Equal(t, "haiku", r.opts["fix-tests"].Model)
}

func TestRunPRBodyFromArtifact(t *testing.T) {
	r := newRig(t)
	r.outputs[TaskOrchestratorFinalize] = "finalize free text"
	r.decide = func(log *history.TaskLog) {
		if log.TaskName == TaskOrchestratorFinalize {
			require.NoError(t, r.store.CreateArtifact(context.Background(), &history.Artifact{
				TaskLogID: log.ID,
				RunID:     log.RunID,
				Name:      "pr",
				Content:   "## Changes\n\neverything",
				Tags:      []string{ArtifactTagPRDescription},
			}))
		}
	}
	seq := NewSequencer(r.store, orchestratorCatalog(), testEngines(), r.factory, nil,
		WithOrchestrator(OrchestratorConfig{Enabled: true, Engine: "fake"}))

	run := seq.Run(context.Background(), twoStepSpec())

	// The tagged artifact wins over the finalize output.
	assert.Equal(t, "## Changes\n\neverything", run.PRBody)
}

func TestRunPRBodyFromFinalizeOutput(t *testing.T) {
	r := newRig(t)
	r.outputs[TaskOrchestratorFinalize] = "Implemented the review process end to end."
	seq := NewSequencer(r.store, orchestratorCatalog(), testEngines(), r.factory, nil,
		WithOrchestrator(OrchestratorConfig{Enabled: true, Engine: "fake"}))

	run := seq.Run(context.Background(), twoStepSpec())

	assert.Equal(t, "Implemented the review process end to end.", run.PRBody)
}

func TestRunPublishesStateToGateway(t *testing.T) {
	r := newRig(t)
	gw := &fakeGateway{}
	seq := NewSequencer(r.store, workerCatalog(), testEngines(), r.factory, nil,
		WithGateway(gw))

	run := seq.Run(context.Background(), twoStepSpec())

	last := gw.last()
	assert.Equal(t, run.ProcessID, last.ProcessID)
	assert.Equal(t, 2, last.CurrentIndex)
	require.Len(t, last.Steps, 2)
	assert.Equal(t, StepStatusCompleted, last.Steps[0].Status)
	assert.Equal(t, StepStatusCompleted, last.Steps[1].Status)

	// The gateway's tool names reach the executor allowlist only for
	// restricted tasks; unrestricted tasks stay unrestricted.
	assert.Nil(t, r.opts["analyze"].AllowedTools)
	assert.Equal(t, gw.URL(), r.opts["analyze"].GatewayURL)
}

func TestRunRecordsInitialCommit(t *testing.T) {
	r := newRig(t)
	seq := NewSequencer(r.store, workerCatalog(), testEngines(), r.factory, nil,
		WithInitialCommit("abc123"))

	run := seq.Run(context.Background(), twoStepSpec())

	ref, err := r.store.EarliestRef(context.Background(), run.ProcessID)
	require.NoError(t, err)
	assert.Equal(t, "abc123", ref.CommitSHA)
}

func TestRunUsesFixedProcessID(t *testing.T) {
	r := newRig(t)
	seq := NewSequencer(r.store, workerCatalog(), testEngines(), r.factory, nil,
		WithProcessID("fixed-id"))

	run := seq.Run(context.Background(), twoStepSpec())
	assert.Equal(t, "fixed-id", run.ProcessID)
}

func saveDecision(t *testing.T, store history.Store, log *history.TaskLog,
	verdict, reasoning string, steps []history.StepDef) {
	t.Helper()
	require.NoError(t, store.SaveDecision(context.Background(), &history.Decision{
		RunID:         log.RunID,
		Phase:         string(PhasePreStep),
		StepIndex:     log.StepIndex,
		Decision:      verdict,
		Reasoning:     reasoning,
		InjectedSteps: steps,
		TaskLogID:     log.ID,
	}))
}
