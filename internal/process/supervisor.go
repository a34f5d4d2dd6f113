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

// Orchestrator task identities, one per phase.
const (
	TaskOrchestratorPre      = "orchestrator-pre"
	TaskOrchestratorPost     = "orchestrator-post"
	TaskOrchestratorFinalize = "orchestrator-finalize"
)

const defaultProceedReasoning = "No decision recorded by orchestrator; defaulting to proceed."

// ExecutorFactory builds the executor for one attempt.
type ExecutorFactory func(opts executor.Options) executor.Executor

// Gateway is the sequencer's handle on the running tool gateway. Nil
// means the process runs without one.
type Gateway interface {
	URL() string
	ToolNames() []string
	PublishState(view StateView)
}

// Supervisor runs orchestrator attempts for the pre/post/finalize
// phases and reads their decisions back from the history store. Every
// failure inside a phase is logged and swallowed: a broken orchestrator
// never takes down the process it supervises.
type Supervisor struct {
	cfg         OrchestratorConfig
	store       history.Store
	tasks       task.Catalog
	engines     *engine.Registry
	newExecutor ExecutorFactory
	gateway     Gateway
	logger      *logging.Logger

	finalizeTaskID string
}

func NewSupervisor(cfg OrchestratorConfig, store history.Store, tasks task.Catalog,
	engines *engine.Registry, factory ExecutorFactory, gw Gateway, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Supervisor{
		cfg:         cfg,
		store:       store,
		tasks:       tasks,
		engines:     engines,
		newExecutor: factory,
		gateway:     gw,
		logger:      logger,
	}
}

func phaseTaskName(phase Phase) string {
	switch phase {
	case PhasePreStep:
		return TaskOrchestratorPre
	case PhasePostStep:
		return TaskOrchestratorPost
	default:
		return TaskOrchestratorFinalize
	}
}

// RunPhase executes one supervisory attempt and returns its decision,
// or nil when the phase was skipped, failed, or is post_step (whose
// decisions are informational only and always discarded).
func (s *Supervisor) RunPhase(ctx context.Context, run *Run, phase Phase, stepIndex int) *Decision {
	taskName := phaseTaskName(phase)

	spec := s.tasks.Get(taskName)
	if spec == nil {
		s.logger.Warn(ctx, "orchestrator task not found, skipping phase",
			zap.String("task", taskName), zap.String("phase", string(phase)))
		return nil
	}

	eng, err := s.engines.Resolve(s.cfg.Engine)
	if err != nil {
		s.logger.Warn(ctx, "orchestrator engine unavailable, skipping phase",
			zap.String("phase", string(phase)), zap.Error(err))
		return nil
	}

	model := s.cfg.Model
	if model == "" {
		model = spec.Model
	}

	prompt := BuildOrientationPrompt(run, phase, stepIndex)

	taskID := uuid.NewString()
	if err := s.store.CreateTaskLog(ctx, &history.TaskLog{
		ID:             taskID,
		RunID:          run.ProcessID,
		ProcessName:    run.Spec.Name,
		TaskName:       taskName,
		StepIndex:      stepIndex,
		Engine:         eng.Name,
		Model:          model,
		Prompt:         prompt,
		IsOrchestrator: true,
	}); err != nil {
		s.logger.Warn(ctx, "failed to record orchestrator attempt, skipping phase",
			zap.String("phase", string(phase)), zap.Error(err))
		return nil
	}

	opts := executor.Options{
		TaskID:       taskID,
		Model:        model,
		AllowedTools: allowedTools(spec.RestrictedTools(), s.gateway),
		SystemPrompt: spec.PromptTemplate,
	}
	if s.gateway != nil {
		opts.GatewayURL = s.gateway.URL()
	}

	loop := runloop.New(s.logger, runloop.WithSessionFunc(func(taskID, sessionID string) {
		if err := s.store.SetTaskSessionID(ctx, taskID, sessionID); err != nil {
			s.logger.Warn(ctx, "failed to persist session id", zap.Error(err))
		}
	}))
	results := loop.Run(ctx, []runloop.Attempt{{
		TaskID:   taskID,
		Engine:   eng,
		Prompt:   prompt,
		Executor: s.newExecutor(opts),
	}})
	res := results[0]

	if err := s.store.FinishTaskLog(ctx, taskID, res.ExitCode); err != nil {
		s.logger.Warn(ctx, "failed to complete orchestrator attempt record", zap.Error(err))
	}
	if res.Err != nil || res.ExitCode != 0 {
		s.logger.Warn(ctx, "orchestrator attempt failed, treating phase as absent",
			zap.String("phase", string(phase)),
			zap.Int("exit_code", res.ExitCode), zap.Error(res.Err))
		return nil
	}

	if phase == PhaseFinalize {
		s.finalizeTaskID = taskID
		s.captureFinalizeOutput(ctx, run, taskID, res.Output)
	}

	if phase == PhasePostStep {
		return nil
	}
	return s.readDecision(ctx, run, phase, stepIndex, taskID)
}

// readDecision fetches the latest decision this attempt recorded via
// the gateway, or synthesizes the default proceed.
func (s *Supervisor) readDecision(ctx context.Context, run *Run, phase Phase, stepIndex int, taskID string) *Decision {
	stored, err := s.store.GetDecisions(ctx, run.ProcessID)
	if err != nil {
		s.logger.Warn(ctx, "failed to read orchestrator decisions", zap.Error(err))
	}

	var latest *history.Decision
	for i := range stored {
		if stored[i].TaskLogID == taskID {
			latest = &stored[i]
		}
	}
	if latest == nil {
		return &Decision{
			Phase:     phase,
			StepIndex: stepIndex,
			Verdict:   VerdictProceed,
			Reasoning: defaultProceedReasoning,
			TaskID:    taskID,
			CreatedAt: time.Now().UTC(),
		}
	}

	dec := &Decision{
		Phase:     Phase(latest.Phase),
		StepIndex: latest.StepIndex,
		Verdict:   Verdict(latest.Decision),
		Reasoning: latest.Reasoning,
		TaskID:    taskID,
		CreatedAt: latest.CreatedAt,
	}
	for _, stepDef := range latest.InjectedSteps {
		dec.InjectedSteps = append(dec.InjectedSteps, StepFromDef(stepDef))
	}
	return dec
}

// captureFinalizeOutput stores the finalize attempt's free-text output
// as its result unless the attempt already wrote one explicitly.
func (s *Supervisor) captureFinalizeOutput(ctx context.Context, run *Run, taskID, output string) {
	if strings.TrimSpace(output) == "" {
		return
	}
	if _, err := s.store.GetResultByTaskLogID(ctx, taskID); err == nil {
		return
	} else if !errors.Is(err, history.ErrNotFound) {
		s.logger.Warn(ctx, "failed to check finalize result", zap.Error(err))
		return
	}
	err := s.store.SaveResult(ctx, &history.TaskResult{
		TaskLogID:   taskID,
		RunID:       run.ProcessID,
		ProcessName: run.Spec.Name,
		TaskName:    TaskOrchestratorFinalize,
		Content:     output,
	})
	if err != nil {
		s.logger.Warn(ctx, "failed to store finalize output", zap.Error(err))
	}
}

// FinalizeResultText returns the result text of the finalize attempt,
// whether written explicitly through the gateway or captured from its
// output. Empty when finalize never ran or produced nothing.
func (s *Supervisor) FinalizeResultText(ctx context.Context) string {
	if s.finalizeTaskID == "" {
		return ""
	}
	res, err := s.store.GetResultByTaskLogID(ctx, s.finalizeTaskID)
	if err != nil {
		return ""
	}
	return res.Content
}

// allowedTools appends the gateway's tool names to a restricted
// allowlist. A nil list means unrestricted and stays nil.
func allowedTools(restricted []string, gw Gateway) []string {
	if restricted == nil {
		return nil
	}
	out := make([]string, len(restricted))
	copy(out, restricted)
	if gw != nil {
		out = append(out, gw.ToolNames()...)
	}
	return out
}

// maxInjections returns the configured injection cap, falling back to
// the default when unset.
func (c OrchestratorConfig) maxInjections() int {
	if c.MaxInjections > 0 {
		return c.MaxInjections
	}
	return DefaultMaxInjections
}

// DefaultMaxInjections caps injections per origin index when the
// process does not override it.
const DefaultMaxInjections = 3
