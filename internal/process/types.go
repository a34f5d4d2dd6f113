// Package process implements supervised multi-step runs: the step
// sequencer, the orchestrator supervisor, and the domain types both
// share with the tool gateway.
package process

import (
	"time"

	"github.com/fyrsmithlabs/stepd/internal/history"
)

// Phase identifies when the orchestrator is consulted during a run.
type Phase string

const (
	PhasePreStep  Phase = "pre_step"
	PhasePostStep Phase = "post_step"
	PhaseFinalize Phase = "finalize"
)

// Verdict is the closed set of orchestrator decisions.
type Verdict string

const (
	VerdictProceed Verdict = "proceed"
	VerdictInject  Verdict = "inject"
	VerdictAbort   Verdict = "abort"
)

// ValidVerdict reports whether v is a known verdict.
func ValidVerdict(v Verdict) bool {
	switch v {
	case VerdictProceed, VerdictInject, VerdictAbort:
		return true
	}
	return false
}

// Step is one element of a process, referencing a task with optional
// overrides. OriginStepIndex is set only on injected steps and names
// the index whose pre-step decision caused the insertion.
type Step struct {
	Task             string   `toml:"task"`
	Engine           string   `toml:"engine,omitempty"`
	Model            string   `toml:"model,omitempty"`
	Tools            []string `toml:"tools,omitempty"`
	Prompt           string   `toml:"prompt,omitempty"`
	SkipOrchestrator bool     `toml:"skip_orchestrator,omitempty"`

	OriginStepIndex *int `toml:"-"`
}

// OrchestratorConfig controls the supervisory attempts of one process.
type OrchestratorConfig struct {
	Enabled       bool   `toml:"enabled"`
	Engine        string `toml:"engine,omitempty"`
	Model         string `toml:"model,omitempty"`
	Image         string `toml:"image,omitempty"`
	MaxInjections int    `toml:"max_injections,omitempty"`
}

// Spec is the immutable definition of a process as loaded from disk.
type Spec struct {
	Name         string              `toml:"name"`
	Description  string              `toml:"description"`
	Steps        []Step              `toml:"steps"`
	Orchestrator *OrchestratorConfig `toml:"orchestrator,omitempty"`

	Source string `toml:"-"`
}

// StepResult records one attempted step. Steps never reached have no
// result.
type StepResult struct {
	StepIndex  int
	TaskName   string
	TaskID     string
	Success    bool
	ExitCode   int
	DurationMS int64
}

// Decision is one orchestrator verdict, as seen by the sequencer.
type Decision struct {
	Phase         Phase
	StepIndex     int
	Verdict       Verdict
	Reasoning     string
	InjectedSteps []Step
	TaskID        string
	CreatedAt     time.Time
}

// Run is the mutable state of an executing process. It is owned by the
// sequencer alone; the gateway sees it only through StateView snapshots.
type Run struct {
	ProcessID string
	Spec      *Spec
	Steps     []Step
	Results   []StepResult
	Decisions []Decision

	CurrentIndex int
	PRBody       string
}

// NewRun builds runtime state from a spec. The step list is copied so
// injection never mutates the spec.
func NewRun(processID string, spec *Spec) *Run {
	steps := make([]Step, len(spec.Steps))
	copy(steps, spec.Steps)
	return &Run{ProcessID: processID, Spec: spec, Steps: steps}
}

// StepView is one step entry inside a state snapshot.
type StepView struct {
	Index    int    `json:"index"`
	Task     string `json:"task"`
	Status   string `json:"status"`
	Injected bool   `json:"injected"`
}

// DecisionView is one decision entry inside a state snapshot.
type DecisionView struct {
	Phase     string `json:"phase"`
	StepIndex int    `json:"step_index"`
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning,omitempty"`
}

// StateView is the read-only snapshot of a run the sequencer publishes
// to the gateway after every state change.
type StateView struct {
	ProcessID    string         `json:"process_id"`
	ProcessName  string         `json:"process_name"`
	CurrentIndex int            `json:"current_index"`
	Steps        []StepView     `json:"steps"`
	Decisions    []DecisionView `json:"decisions"`
}

// Step statuses inside a StateView.
const (
	StepStatusCompleted = "completed"
	StepStatusCurrent   = "current"
	StepStatusPending   = "pending"
)

// Snapshot renders the run into a StateView.
func (r *Run) Snapshot() StateView {
	view := StateView{
		ProcessID:    r.ProcessID,
		ProcessName:  r.Spec.Name,
		CurrentIndex: r.CurrentIndex,
		Steps:        make([]StepView, 0, len(r.Steps)),
		Decisions:    make([]DecisionView, 0, len(r.Decisions)),
	}
	for i, step := range r.Steps {
		status := StepStatusPending
		switch {
		case i < r.CurrentIndex:
			status = StepStatusCompleted
		case i == r.CurrentIndex:
			status = StepStatusCurrent
		}
		view.Steps = append(view.Steps, StepView{
			Index:    i,
			Task:     step.Task,
			Status:   status,
			Injected: step.OriginStepIndex != nil,
		})
	}
	for _, d := range r.Decisions {
		view.Decisions = append(view.Decisions, DecisionView{
			Phase:     string(d.Phase),
			StepIndex: d.StepIndex,
			Decision:  string(d.Verdict),
			Reasoning: d.Reasoning,
		})
	}
	return view
}

// StepToDef converts a step into its storage mirror.
func StepToDef(s Step) history.StepDef {
	return history.StepDef{
		Task:             s.Task,
		Engine:           s.Engine,
		Model:            s.Model,
		Tools:            s.Tools,
		Prompt:           s.Prompt,
		SkipOrchestrator: s.SkipOrchestrator,
		OriginStepIndex:  s.OriginStepIndex,
	}
}

// StepFromDef converts a stored step back into a runtime step.
func StepFromDef(d history.StepDef) Step {
	return Step{
		Task:             d.Task,
		Engine:           d.Engine,
		Model:            d.Model,
		Tools:            d.Tools,
		Prompt:           d.Prompt,
		SkipOrchestrator: d.SkipOrchestrator,
		OriginStepIndex:  d.OriginStepIndex,
	}
}
