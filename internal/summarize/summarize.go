// Package summarize compresses long task results into short summaries
// by spawning an engine CLI with all tools disabled. Summaries feed the
// status prompt so later steps see context without the full transcript.
package summarize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/engine"
)

const systemPrompt = `You are a technical summarizer. Produce a TLDR summary of the following task result.

Include:
1. A 2-3 sentence executive summary
2. Key decisions or findings as bullet points
3. Relevant source code locations as file:line references

Keep the entire output under 500 tokens. Be precise and actionable. Focus on relevant files over a long text.`

// DefaultTimeout bounds a single summarization call.
const DefaultTimeout = 60 * time.Second

// ErrUnavailable indicates no engine CLI is installed to summarize with.
var ErrUnavailable = errors.New("summarize: engine cli not available")

// Summarizer spawns engine subprocesses for pure text compression. All
// tools and MCP servers are disabled on the spawned process.
type Summarizer struct {
	engine  *engine.Engine
	model   string
	timeout time.Duration
	logger  *zap.Logger

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, name string, args []string, stdin string) (string, error)
}

// New returns a Summarizer using eng with the given model. A zero
// timeout means DefaultTimeout.
func New(eng *engine.Engine, model string, timeout time.Duration, logger *zap.Logger) *Summarizer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{
		engine:     eng,
		model:      model,
		timeout:    timeout,
		logger:     logger,
		runCommand: runCommand,
	}
}

// Available reports whether the engine CLI can be found on PATH.
func (s *Summarizer) Available() bool {
	return s.engine != nil && s.engine.Installed()
}

// Summarize compresses text into a short summary. Callers treat errors
// as advisory: a failed summary never fails the task that produced the
// text, the caller just keeps the raw result.
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	if !s.Available() {
		return "", ErrUnavailable
	}
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := []string{"--print", "--append-system-prompt", systemPrompt}
	if s.model != "" {
		args = append(args, "--model", s.model)
	}

	out, err := s.runCommand(ctx, s.engine.CLICommand, args, text)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("summarization timed out after %s", s.timeout)
		}
		return "", fmt.Errorf("summarization failed: %w", err)
	}

	summary := strings.TrimSpace(out)
	s.logger.Debug("compressed result",
		zap.Int("input_bytes", len(text)),
		zap.Int("summary_bytes", len(summary)))
	return summary, nil
}

func runCommand(ctx context.Context, name string, args []string, stdin string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return stdout.String(), nil
}
