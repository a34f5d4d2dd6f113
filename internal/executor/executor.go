package executor

import (
	"context"

	"github.com/fyrsmithlabs/stepd/internal/engine"
)

// Executor runs one attempt. Implementations must be safe to drive from a
// single goroutine: Setup, Run, Teardown, then ExitCode/Summary.
type Executor interface {
	// Setup prepares the attempt for the given engine and prompt.
	Setup(ctx context.Context, eng engine.Engine, prompt string) error
	// Run starts the attempt and streams its parsed output. The channel
	// closes when the attempt's output is exhausted. The attempt runs to
	// completion; there is no cancellation of an in-flight attempt.
	Run(ctx context.Context) (<-chan Message, error)
	// Teardown releases attempt resources. Must be called after Run's
	// channel closes.
	Teardown(ctx context.Context) error
	// ExitCode reports the attempt's exit code. Valid after Teardown.
	ExitCode() int
	// Summary reports usage accounting, or nil when unavailable.
	Summary() *Summary
}

// Options configures an attempt.
type Options struct {
	// TaskID identifies the attempt to the tool gateway.
	TaskID string
	// Model overrides the engine's default model.
	Model string
	// AllowedTools restricts the engine's tool use. Nil means all tools.
	AllowedTools []string
	// GatewayURL is the MCP gateway endpoint, empty when the gateway is
	// not running.
	GatewayURL string
	// Workdir is the attempt's working directory. Empty means inherit.
	Workdir string
	// ExtraArgs are appended to the engine CLI invocation.
	ExtraArgs []string
	// SystemPrompt is appended to the engine's system prompt.
	SystemPrompt string
}
