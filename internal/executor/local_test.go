package executor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/stepd/internal/engine"
)

func TestSetupBuildsArgs(t *testing.T) {
	l := NewLocal(Options{
		Model:        "opus",
		AllowedTools: []string{"Read", "mcp__stepd__write_result"},
		SystemPrompt: "be careful",
	})
	eng := engine.Engine{Name: "Claude Code", CLICommand: "claude"}
	require.NoError(t, l.Setup(context.Background(), eng, "fix the tests"))

	args := strings.Join(l.cmd.Args, " ")
	assert.Contains(t, args, "--output-format stream-json")
	assert.Contains(t, args, "--model opus")
	assert.Contains(t, args, "--append-system-prompt be careful")
	assert.Contains(t, args, "--allowed-tools Read,mcp__stepd__write_result")
	assert.NotContains(t, args, "--mcp-config")
}

func TestSetupOmitsUnsetOptions(t *testing.T) {
	l := NewLocal(Options{})
	eng := engine.Engine{Name: "Claude Code", CLICommand: "claude"}
	require.NoError(t, l.Setup(context.Background(), eng, "prompt"))

	args := strings.Join(l.cmd.Args, " ")
	assert.NotContains(t, args, "--model")
	assert.NotContains(t, args, "--allowed-tools")
	assert.NotContains(t, args, "--append-system-prompt")
}

func TestSetupGatewayConfig(t *testing.T) {
	l := NewLocal(Options{
		TaskID:     "task-1",
		GatewayURL: "http://127.0.0.1:39000/",
	})
	eng := engine.Engine{Name: "Claude Code", CLICommand: "claude"}
	require.NoError(t, l.Setup(context.Background(), eng, "prompt"))

	var cfgArg string
	for i, arg := range l.cmd.Args {
		if arg == "--mcp-config" {
			cfgArg = l.cmd.Args[i+1]
		}
	}
	require.NotEmpty(t, cfgArg)

	var cfg struct {
		Servers map[string]struct {
			Type    string            `json:"type"`
			URL     string            `json:"url"`
			Headers map[string]string `json:"headers"`
		} `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal([]byte(cfgArg), &cfg))
	srv, ok := cfg.Servers["stepd"]
	require.True(t, ok)
	assert.Equal(t, "http", srv.Type)
	assert.Equal(t, "http://127.0.0.1:39000/", srv.URL)
	assert.Equal(t, "task-1", srv.Headers["X-Stepd-Task-ID"])
}

func TestRunWithoutSetup(t *testing.T) {
	l := NewLocal(Options{})
	_, err := l.Run(context.Background())
	assert.Error(t, err)
}

func TestLocalRoundTrip(t *testing.T) {
	// echo prints its arguments and exits 0, giving a deterministic
	// one-line raw message without a real engine installed.
	l := NewLocal(Options{})
	eng := engine.Engine{Name: "fake", CLICommand: "echo"}
	require.NoError(t, l.Setup(context.Background(), eng, "ignored"))

	msgs, err := l.Run(context.Background())
	require.NoError(t, err)

	var got []Message
	for msg := range msgs {
		got = append(got, msg)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, TypeRaw, got[0].Type)
	assert.Contains(t, got[0].Content, "stream-json")

	require.NoError(t, l.Teardown(context.Background()))
	assert.Equal(t, 0, l.ExitCode())
}
