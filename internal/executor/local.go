package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/fyrsmithlabs/stepd/internal/engine"
)

// Local runs an attempt by spawning the engine CLI directly on the host.
type Local struct {
	opts   Options
	parser *StreamParser

	cmd      *exec.Cmd
	stdout   io.ReadCloser
	exitCode int
	done     bool
}

// NewLocal creates a local executor.
func NewLocal(opts Options) *Local {
	return &Local{opts: opts, parser: NewStreamParser()}
}

// Setup builds the engine CLI invocation. The attempt is not started until
// Run is called.
func (l *Local) Setup(ctx context.Context, eng engine.Engine, prompt string) error {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if l.opts.Model != "" {
		args = append(args, "--model", l.opts.Model)
	}
	if l.opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", l.opts.SystemPrompt)
	}
	if l.opts.AllowedTools != nil {
		args = append(args, "--allowed-tools", strings.Join(l.opts.AllowedTools, ","))
	}
	if l.opts.GatewayURL != "" {
		cfg, err := gatewayMCPConfig(l.opts.GatewayURL, l.opts.TaskID)
		if err != nil {
			return err
		}
		args = append(args, "--mcp-config", cfg)
	}
	args = append(args, l.opts.ExtraArgs...)

	cmd := exec.CommandContext(ctx, eng.CLICommand, args...)
	cmd.Stdin = strings.NewReader(prompt)
	if l.opts.Workdir != "" {
		cmd.Dir = l.opts.Workdir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	l.cmd = cmd
	l.stdout = stdout
	return nil
}

// Run starts the engine process and streams its parsed output.
func (l *Local) Run(ctx context.Context) (<-chan Message, error) {
	if l.cmd == nil {
		return nil, fmt.Errorf("executor not set up")
	}
	if err := l.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	return l.parser.Parse(l.stdout), nil
}

// Teardown waits for the process to exit and records its exit code.
func (l *Local) Teardown(ctx context.Context) error {
	if l.cmd == nil || l.done {
		return nil
	}
	l.done = true
	err := l.cmd.Wait()
	if err == nil {
		l.exitCode = 0
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		l.exitCode = exitErr.ExitCode()
		return nil
	}
	l.exitCode = 1
	return fmt.Errorf("engine process failed: %w", err)
}

// ExitCode reports the process exit code. Valid after Teardown.
func (l *Local) ExitCode() int { return l.exitCode }

// Summary reports usage parsed from the result message.
func (l *Local) Summary() *Summary {
	s := l.parser.Summary()
	return &s
}

// gatewayMCPConfig renders an inline MCP server configuration pointing the
// engine at the stepd gateway, carrying the attempt identity header.
func gatewayMCPConfig(url, taskID string) (string, error) {
	cfg := map[string]any{
		"mcpServers": map[string]any{
			"stepd": map[string]any{
				"type": "http",
				"url":  url,
				"headers": map[string]string{
					"X-Stepd-Task-ID": taskID,
				},
			},
		},
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to render MCP config: %w", err)
	}
	return string(raw), nil
}
