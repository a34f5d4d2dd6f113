package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePath makes only the named commands appear installed.
func fakePath(t *testing.T, installed ...string) {
	t.Helper()
	orig := lookPath
	lookPath = func(cmd string) (string, error) {
		for _, name := range installed {
			if cmd == name {
				return "/usr/bin/" + cmd, nil
			}
		}
		return "", errors.New("not found")
	}
	t.Cleanup(func() { lookPath = orig })
}

func TestByName(t *testing.T) {
	r := NewRegistry()

	e, ok := r.ByName("Claude Code")
	require.True(t, ok)
	assert.Equal(t, "claude", e.CLICommand)

	e, ok = r.ByName("claude code")
	require.True(t, ok)
	assert.Equal(t, "Claude Code", e.Name)

	e, ok = r.ByName("opencode")
	require.True(t, ok)
	assert.Equal(t, "OpenCode", e.Name)

	_, ok = r.ByName("emacs")
	assert.False(t, ok)
}

func TestResolveExplicitName(t *testing.T) {
	fakePath(t, "claude")
	r := NewRegistry()

	e, err := r.Resolve("Claude Code")
	require.NoError(t, err)
	assert.Equal(t, "claude", e.CLICommand)
}

func TestResolveUnknownName(t *testing.T) {
	fakePath(t, "claude")
	_, err := NewRegistry().Resolve("emacs")

	var unknown *UnknownEngineError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "emacs", unknown.Name)
}

func TestResolveNotInstalled(t *testing.T) {
	fakePath(t)
	_, err := NewRegistry().Resolve("Claude Code")

	var notInstalled *NotInstalledError
	require.ErrorAs(t, err, &notInstalled)
	assert.Equal(t, "Claude Code", notInstalled.Engine.Name)
	assert.Contains(t, err.Error(), "install:")
}

func TestResolveAutoSingle(t *testing.T) {
	fakePath(t, "opencode")

	e, err := NewRegistry().Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "OpenCode", e.Name)
}

func TestResolveAutoNone(t *testing.T) {
	fakePath(t)
	_, err := NewRegistry().Resolve("")
	assert.ErrorIs(t, err, ErrNoEngines)
}

func TestResolveAutoAmbiguous(t *testing.T) {
	fakePath(t, "claude", "opencode")
	_, err := NewRegistry().Resolve("")
	assert.ErrorIs(t, err, ErrAmbiguousEngine)
}

func TestAvailable(t *testing.T) {
	fakePath(t, "claude", "droid")

	available := NewRegistry().Available()
	require.Len(t, available, 2)
	assert.Equal(t, "Claude Code", available[0].Name)
	assert.Equal(t, "Factory Droid", available[1].Name)
}
