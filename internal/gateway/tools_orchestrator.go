package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/stepd/internal/history"
	"github.com/fyrsmithlabs/stepd/internal/process"
	"github.com/fyrsmithlabs/stepd/internal/worktree"
)

// orchestratorToolNames lists the tools served only to orchestrator
// attempts.
var orchestratorToolNames = []string{
	"get_process_state",
	"set_process_decision",
	"get_git_diff",
	"get_commit_log",
}

const refusalMessage = "This tool is restricted to orchestrator attempts."

type processStateOutput struct {
	ProcessID    string                 `json:"process_id,omitempty"`
	ProcessName  string                 `json:"process_name,omitempty"`
	CurrentIndex int                    `json:"current_index,omitempty"`
	Steps        []process.StepView     `json:"steps,omitempty"`
	Decisions    []process.DecisionView `json:"decisions,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

type injectedStepInput struct {
	Task   string   `json:"task" jsonschema:"required,Task name to inject; must exist in the task catalog"`
	Engine string   `json:"engine,omitempty" jsonschema:"Engine override for the injected step"`
	Model  string   `json:"model,omitempty" jsonschema:"Model override for the injected step"`
	Tools  []string `json:"tools,omitempty" jsonschema:"Tool allowlist override"`
	Prompt string   `json:"prompt,omitempty" jsonschema:"Extra prompt for the injected step"`
}

type setDecisionInput struct {
	Phase         string              `json:"phase" jsonschema:"required,The phase this decision is for (pre_step post_step or finalize)"`
	StepIndex     int                 `json:"step_index" jsonschema:"required,The step index the decision applies to"`
	Decision      string              `json:"decision" jsonschema:"required,The verdict: proceed inject or abort"`
	Reasoning     string              `json:"reasoning,omitempty" jsonschema:"Why this decision was made"`
	InjectedSteps []injectedStepInput `json:"injected_steps,omitempty" jsonschema:"Steps to insert at the cursor; required iff decision is inject"`
}

type setDecisionOutput struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

type gitDiffInput struct {
	Since string `json:"since,omitempty" jsonschema:"Commit to diff from; defaults to the run's first recorded commit"`
}

type gitDiffOutput struct {
	Diff      string `json:"diff,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

type commitLogInput struct {
	Since string `json:"since,omitempty" jsonschema:"Commit to log from; defaults to the run's first recorded commit"`
}

type commitLogOutput struct {
	Commits []worktree.CommitInfo `json:"commits,omitempty"`
	Error   string                `json:"error,omitempty"`
}

func (s *Server) registerOrchestratorTools(srv *mcp.Server) {
	mcp.AddTool(srv, &mcp.Tool{
		Name: "get_process_state",
		Description: "Get the live process state: step list with statuses, current " +
			"index, and the full decision log.",
	}, s.handleGetProcessState)

	mcp.AddTool(srv, &mcp.Tool{
		Name: "set_process_decision",
		Description: "Record an orchestrator decision for the current phase: proceed, " +
			"inject steps at the cursor, or abort the process.",
	}, s.handleSetProcessDecision)

	mcp.AddTool(srv, &mcp.Tool{
		Name: "get_git_diff",
		Description: "Get the diff of the process worktree since a commit, capped at a " +
			"byte limit with a truncation flag.",
	}, s.handleGetGitDiff)

	mcp.AddTool(srv, &mcp.Tool{
		Name: "get_commit_log",
		Description: "List the commits the process has produced since a commit, newest " +
			"first, as short hash and message pairs.",
	}, s.handleGetCommitLog)
}

func (s *Server) handleGetProcessState(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, processStateOutput, error) {
	if !s.isOrchestrator(ctx, callerTaskID(ctx)) {
		return textResult("%s", refusalMessage), processStateOutput{Error: refusalMessage}, nil
	}
	view := s.snapshot()
	return textResult("process %s at step %d", view.ProcessName, view.CurrentIndex+1), processStateOutput{
		ProcessID:    view.ProcessID,
		ProcessName:  view.ProcessName,
		CurrentIndex: view.CurrentIndex,
		Steps:        view.Steps,
		Decisions:    view.Decisions,
	}, nil
}

func (s *Server) handleSetProcessDecision(ctx context.Context, req *mcp.CallToolRequest, args setDecisionInput) (*mcp.CallToolResult, setDecisionOutput, error) {
	taskID := callerTaskID(ctx)
	if !s.isOrchestrator(ctx, taskID) {
		return textResult("%s", refusalMessage), setDecisionOutput{Error: refusalMessage}, nil
	}
	if errMsg := s.validateDecision(args); errMsg != "" {
		return textResult("%s", errMsg), setDecisionOutput{Error: errMsg}, nil
	}

	dec := &history.Decision{
		RunID:     s.cfg.ProcessID,
		Phase:     args.Phase,
		StepIndex: args.StepIndex,
		Decision:  args.Decision,
		Reasoning: args.Reasoning,
		TaskLogID: taskID,
		CreatedAt: time.Now().UTC(),
	}
	for _, step := range args.InjectedSteps {
		dec.InjectedSteps = append(dec.InjectedSteps, history.StepDef{
			Task:   step.Task,
			Engine: step.Engine,
			Model:  step.Model,
			Tools:  step.Tools,
			Prompt: step.Prompt,
		})
	}
	if err := s.cfg.Store.SaveDecision(ctx, dec); err != nil {
		return textResult("failed to record decision"), setDecisionOutput{Error: err.Error()}, nil
	}
	return textResult("decision recorded: %s", args.Decision), setDecisionOutput{Status: "ok"}, nil
}

func (s *Server) handleGetGitDiff(ctx context.Context, req *mcp.CallToolRequest, args gitDiffInput) (*mcp.CallToolResult, gitDiffOutput, error) {
	if !s.isOrchestrator(ctx, callerTaskID(ctx)) {
		return textResult("%s", refusalMessage), gitDiffOutput{Error: refusalMessage}, nil
	}
	since, errMsg := s.resolveSince(ctx, args.Since)
	if errMsg != "" {
		return textResult("%s", errMsg), gitDiffOutput{Error: errMsg}, nil
	}
	diff, truncated, err := s.cfg.Tree.Diff(since, s.cfg.DiffMaxBytes)
	if err != nil {
		msg := fmt.Sprintf("diff failed: %v", err)
		return textResult("%s", msg), gitDiffOutput{Error: msg}, nil
	}
	return textResult("diff since %s (%d bytes)", since, len(diff)), gitDiffOutput{
		Diff:      diff,
		Truncated: truncated,
	}, nil
}

func (s *Server) handleGetCommitLog(ctx context.Context, req *mcp.CallToolRequest, args commitLogInput) (*mcp.CallToolResult, commitLogOutput, error) {
	if !s.isOrchestrator(ctx, callerTaskID(ctx)) {
		return textResult("%s", refusalMessage), commitLogOutput{Error: refusalMessage}, nil
	}
	since, errMsg := s.resolveSince(ctx, args.Since)
	if errMsg != "" {
		return textResult("%s", errMsg), commitLogOutput{Error: errMsg}, nil
	}
	commits, err := s.cfg.Tree.Log(since)
	if err != nil {
		msg := fmt.Sprintf("commit log failed: %v", err)
		return textResult("%s", msg), commitLogOutput{Error: msg}, nil
	}
	return textResult("%d commits since %s", len(commits), since), commitLogOutput{Commits: commits}, nil
}

// validateDecision enforces the verdict enum, the inject/steps pairing,
// and that every injected task resolves in the catalog.
func (s *Server) validateDecision(args setDecisionInput) string {
	verdict := process.Verdict(args.Decision)
	if !process.ValidVerdict(verdict) {
		return fmt.Sprintf("Invalid decision %q: must be proceed, inject, or abort.", args.Decision)
	}
	switch {
	case verdict == process.VerdictInject && len(args.InjectedSteps) == 0:
		return "Decision 'inject' requires at least one injected step."
	case verdict != process.VerdictInject && len(args.InjectedSteps) > 0:
		return fmt.Sprintf("Decision %q must not carry injected steps.", args.Decision)
	}
	for _, step := range args.InjectedSteps {
		if s.cfg.Tasks.Get(step.Task) == nil {
			return fmt.Sprintf("Injected task %q does not exist in the task catalog.", step.Task)
		}
	}
	return ""
}

// resolveSince picks the base commit for diff/log queries. The returned
// message is empty on success.
func (s *Server) resolveSince(ctx context.Context, since string) (string, string) {
	if s.cfg.Tree == nil {
		return "", "No worktree is available for this process."
	}
	if since != "" {
		return since, ""
	}
	ref, err := s.cfg.Store.EarliestRef(ctx, s.cfg.ProcessID)
	if err != nil {
		return "", "No base commit recorded for this process; pass 'since' explicitly."
	}
	return ref.CommitSHA, ""
}
