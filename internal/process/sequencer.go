package process

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/engine"
	"github.com/fyrsmithlabs/stepd/internal/executor"
	"github.com/fyrsmithlabs/stepd/internal/history"
	"github.com/fyrsmithlabs/stepd/internal/logging"
	"github.com/fyrsmithlabs/stepd/internal/runloop"
	"github.com/fyrsmithlabs/stepd/internal/task"
)

// ArtifactTagPRDescription marks the artifact whose content becomes the
// run's PR body.
const ArtifactTagPRDescription = "pr_description"

// Sequencer drives one process run: it consults the supervisor around
// each step, executes steps through the run loop, persists outcomes,
// and applies injected steps at the cursor.
type Sequencer struct {
	store       history.Store
	tasks       task.Catalog
	engines     *engine.Registry
	newExecutor ExecutorFactory
	logger      *logging.Logger

	gateway      Gateway
	monitor      runloop.Monitor
	orchestrator OrchestratorConfig

	processID      string
	engineOverride string
	modelOverride  string
	extraPrompt    string
	initialCommit  string
}

// SequencerOption configures optional collaborators and overrides.
type SequencerOption func(*Sequencer)

// WithProcessID fixes the run's process ID instead of generating one.
// Callers that start a gateway ahead of the run use this to give both
// sides the same identity.
func WithProcessID(id string) SequencerOption {
	return func(s *Sequencer) { s.processID = id }
}

// WithGateway attaches a started tool gateway.
func WithGateway(gw Gateway) SequencerOption {
	return func(s *Sequencer) { s.gateway = gw }
}

// WithMonitor attaches a live message view.
func WithMonitor(m runloop.Monitor) SequencerOption {
	return func(s *Sequencer) { s.monitor = m }
}

// WithOrchestrator enables supervision with the given config.
func WithOrchestrator(cfg OrchestratorConfig) SequencerOption {
	return func(s *Sequencer) { s.orchestrator = cfg }
}

// WithEngineOverride applies an engine to all steps without their own.
func WithEngineOverride(name string) SequencerOption {
	return func(s *Sequencer) { s.engineOverride = name }
}

// WithModelOverride applies a model to all steps without their own.
func WithModelOverride(model string) SequencerOption {
	return func(s *Sequencer) { s.modelOverride = model }
}

// WithExtraPrompt appends a user prompt to every step.
func WithExtraPrompt(prompt string) SequencerOption {
	return func(s *Sequencer) { s.extraPrompt = prompt }
}

// WithInitialCommit records the commit the run starts from, scoping
// later diff and log queries.
func WithInitialCommit(sha string) SequencerOption {
	return func(s *Sequencer) { s.initialCommit = sha }
}

func NewSequencer(store history.Store, tasks task.Catalog, engines *engine.Registry,
	factory ExecutorFactory, logger *logging.Logger, opts ...SequencerOption) *Sequencer {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Sequencer{
		store:       store,
		tasks:       tasks,
		engines:     engines,
		newExecutor: factory,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the process to completion. Domain failures never surface
// as errors: they are reflected in the run's results and decisions.
func (s *Sequencer) Run(ctx context.Context, spec *Spec) *Run {
	processID := s.processID
	if processID == "" {
		processID = uuid.NewString()[:8]
	}
	run := NewRun(processID, spec)
	ctx = logging.WithProcessID(ctx, run.ProcessID)

	orch := s.orchestrator
	if spec.Orchestrator != nil {
		orch = *spec.Orchestrator
	}

	var sup *Supervisor
	if orch.Enabled {
		sup = NewSupervisor(orch, s.store, s.tasks, s.engines, s.newExecutor, s.gateway, s.logger)
	}

	if s.initialCommit != "" {
		if err := s.store.CreateRunRef(ctx, &history.RunRef{
			RunID: run.ProcessID, CommitSHA: s.initialCommit,
		}); err != nil {
			s.logger.Warn(ctx, "failed to record initial commit", zap.Error(err))
		}
	}

	s.publish(run)
	injections := make(map[int]int)

	for run.CurrentIndex < len(run.Steps) {
		idx := run.CurrentIndex
		step := run.Steps[idx]

		if sup != nil && !step.SkipOrchestrator {
			verdict, stop := s.preStep(ctx, run, sup, injections, idx)
			if stop {
				break
			}
			if verdict == VerdictInject {
				// Steps were inserted at the cursor; re-evaluate
				// without advancing.
				continue
			}
		}

		result, ok := s.executeStep(ctx, run, idx, step)
		if !ok {
			break
		}
		run.Results = append(run.Results, *result)
		s.publish(run)

		if !result.Success {
			s.logger.Error(ctx, "step failed, stopping process",
				zap.Int("step", idx+1),
				zap.String("task", step.Task),
				zap.Int("exit_code", result.ExitCode))
			break
		}

		if sup != nil && !step.SkipOrchestrator {
			// Informational only. Any decision it records is discarded.
			sup.RunPhase(ctx, run, PhasePostStep, idx)
		}

		run.CurrentIndex++
		s.publish(run)
	}

	if sup != nil {
		// Finalize's decision feeds the fallback-result and PR body
		// paths only; the run's decision log records pre-step verdicts.
		sup.RunPhase(ctx, run, PhaseFinalize, run.CurrentIndex)
		s.publish(run)
	}

	run.PRBody = s.resolvePRBody(ctx, run, sup)
	return run
}

// preStep runs the pre-step phase and applies its verdict. The returned
// stop flag is true for abort.
func (s *Sequencer) preStep(ctx context.Context, run *Run, sup *Supervisor,
	injections map[int]int, idx int) (Verdict, bool) {
	dec := sup.RunPhase(ctx, run, PhasePreStep, idx)
	if dec == nil {
		return VerdictProceed, false
	}

	if dec.Verdict == VerdictInject {
		if len(dec.InjectedSteps) == 0 {
			dec.Verdict = VerdictProceed
		} else if injections[idx] >= sup.cfg.maxInjections() {
			s.logger.Warn(ctx, "injection limit reached, treating as proceed",
				zap.Int("step", idx+1),
				zap.Int("max_injections", sup.cfg.maxInjections()))
			dec.Verdict = VerdictProceed
			dec.InjectedSteps = nil
		}
	}

	run.Decisions = append(run.Decisions, *dec)
	s.publish(run)

	switch dec.Verdict {
	case VerdictAbort:
		s.logger.Info(ctx, "orchestrator aborted process",
			zap.Int("step", idx+1), zap.String("reasoning", dec.Reasoning))
		return VerdictAbort, true
	case VerdictInject:
		injections[idx]++
		origin := idx
		inserted := make([]Step, len(dec.InjectedSteps))
		for i, injected := range dec.InjectedSteps {
			injected.OriginStepIndex = &origin
			inserted[i] = injected
		}
		run.Steps = append(run.Steps[:idx], append(inserted, run.Steps[idx:]...)...)
		s.publish(run)
		s.logger.Info(ctx, "orchestrator injected steps",
			zap.Int("at_index", idx), zap.Int("count", len(inserted)))
		return VerdictInject, false
	default:
		return VerdictProceed, false
	}
}

// executeStep resolves and runs one step. A false ok means the loop
// must stop before any attempt ran (unknown task, engine failure).
func (s *Sequencer) executeStep(ctx context.Context, run *Run, idx int, step Step) (*StepResult, bool) {
	spec := s.tasks.Get(step.Task)
	if spec == nil {
		s.logger.Error(ctx, "unknown task, stopping process",
			zap.Int("step", idx+1), zap.String("task", step.Task))
		return nil, false
	}

	engineName := step.Engine
	if engineName == "" {
		engineName = s.engineOverride
	}
	eng, err := s.engines.Resolve(engineName)
	if err != nil {
		s.logger.Error(ctx, "engine resolution failed, stopping process",
			zap.Int("step", idx+1), zap.Error(err))
		return nil, false
	}

	model := step.Model
	if model == "" {
		model = s.modelOverride
	}
	if model == "" {
		model = spec.Model
	}

	restricted := spec.RestrictedTools()
	if step.Tools != nil {
		restricted = task.Restrict(step.Tools)
	}

	statusPrompt := BuildStatusPrompt(ctx, run, s.store)
	parts := []string{statusPrompt}
	if step.Prompt != "" {
		parts = append(parts, step.Prompt)
	}
	if s.extraPrompt != "" {
		parts = append(parts, s.extraPrompt)
	}
	prompt := strings.Join(parts, "\n\n")

	taskID := uuid.NewString()
	started := time.Now()
	if err := s.store.CreateTaskLog(ctx, &history.TaskLog{
		ID:          taskID,
		RunID:       run.ProcessID,
		ProcessName: run.Spec.Name,
		TaskName:    step.Task,
		StepIndex:   idx,
		Engine:      eng.Name,
		Model:       model,
		Prompt:      prompt,
	}); err != nil {
		s.logger.Error(ctx, "failed to record task, stopping process", zap.Error(err))
		return nil, false
	}

	opts := executor.Options{
		TaskID:       taskID,
		Model:        model,
		AllowedTools: allowedTools(restricted, s.gateway),
		SystemPrompt: spec.PromptTemplate,
	}
	if s.gateway != nil {
		opts.GatewayURL = s.gateway.URL()
	}

	loopOpts := []runloop.Option{runloop.WithSessionFunc(func(taskID, sessionID string) {
		if err := s.store.SetTaskSessionID(ctx, taskID, sessionID); err != nil {
			s.logger.Warn(ctx, "failed to persist session id", zap.Error(err))
		}
	})}
	if s.monitor != nil {
		loopOpts = append(loopOpts, runloop.WithMonitor(s.monitor))
	}

	s.logger.Info(ctx, "running step",
		zap.Int("step", idx+1),
		zap.Int("total", len(run.Steps)),
		zap.String("task", step.Task),
		zap.String("engine", eng.Name))

	results := runloop.New(s.logger, loopOpts...).Run(ctx, []runloop.Attempt{{
		TaskID:   taskID,
		Engine:   eng,
		Prompt:   prompt,
		Executor: s.newExecutor(opts),
	}})
	res := results[0]

	if err := s.store.FinishTaskLog(ctx, taskID, res.ExitCode); err != nil {
		s.logger.Warn(ctx, "failed to complete task record", zap.Error(err))
	}

	return &StepResult{
		StepIndex:  idx,
		TaskName:   step.Task,
		TaskID:     taskID,
		Success:    res.ExitCode == 0 && res.Err == nil,
		ExitCode:   res.ExitCode,
		DurationMS: time.Since(started).Milliseconds(),
	}, true
}

// resolvePRBody applies the fallback chain: pr_description artifact,
// then finalize result text, then empty.
func (s *Sequencer) resolvePRBody(ctx context.Context, run *Run, sup *Supervisor) string {
	art, err := s.store.FindArtifactByTag(ctx, run.ProcessID, ArtifactTagPRDescription)
	if err == nil {
		return art.Content
	}
	if !errors.Is(err, history.ErrNotFound) {
		s.logger.Warn(ctx, "failed to look up pr_description artifact", zap.Error(err))
	}
	if sup != nil {
		return sup.FinalizeResultText(ctx)
	}
	return ""
}

func (s *Sequencer) publish(run *Run) {
	if s.gateway != nil {
		s.gateway.PublishState(run.Snapshot())
	}
}
