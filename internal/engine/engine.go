// Package engine defines the AI coding engines stepd can drive and how a
// concrete engine is resolved for an attempt.
package engine

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Engine describes an AI coding engine CLI.
type Engine struct {
	// Name is the human-readable engine name (e.g. "Claude Code").
	Name string
	// CLICommand is the executable looked up in PATH.
	CLICommand string
	// InstallInfo tells the user how to install the engine.
	InstallInfo string
	// DockerImage is the default container image, if any.
	DockerImage string
	// DefaultModel is used when neither step nor process overrides a model.
	DefaultModel string
}

// Installed reports whether the engine CLI is available in PATH.
func (e Engine) Installed() bool {
	_, err := lookPath(e.CLICommand)
	return err == nil
}

// lookPath is swappable in tests.
var lookPath = exec.LookPath

// Registry holds the known engines in preference order.
type Registry struct {
	engines []Engine
}

// NewRegistry returns a registry with the built-in engine set.
func NewRegistry() *Registry {
	return &Registry{engines: builtins()}
}

// NewRegistryWith returns a registry over an explicit engine set. Tests use
// this to control which engines appear installed.
func NewRegistryWith(engines ...Engine) *Registry {
	return &Registry{engines: engines}
}

func builtins() []Engine {
	return []Engine{
		{Name: "Claude Code", CLICommand: "claude", InstallInfo: "https://github.com/anthropics/claude-code", DockerImage: "ghcr.io/fyrsmithlabs/stepd-claude:latest"},
		{Name: "OpenCode", CLICommand: "opencode", InstallInfo: "https://opencode.ai/docs/"},
		{Name: "Cursor", CLICommand: "agent", InstallInfo: "Cursor IDE installation"},
		{Name: "GitHub Copilot", CLICommand: "copilot", InstallInfo: "npm install -g @github/copilot"},
		{Name: "Factory Droid", CLICommand: "droid", InstallInfo: "https://docs.factory.ai/cli/getting-started/quickstart"},
	}
}

// All returns every known engine.
func (r *Registry) All() []Engine { return r.engines }

// Available returns the engines currently installed.
func (r *Registry) Available() []Engine {
	var out []Engine
	for _, e := range r.engines {
		if e.Installed() {
			out = append(out, e)
		}
	}
	return out
}

// ByName finds an engine by name (case-insensitive) or CLI command.
// Returns false when no engine matches.
func (r *Registry) ByName(name string) (Engine, bool) {
	lower := strings.ToLower(name)
	for _, e := range r.engines {
		if strings.ToLower(e.Name) == lower || e.CLICommand == name {
			return e, true
		}
	}
	return Engine{}, false
}

// Resolution errors surfaced to the user.
var (
	ErrNoEngines       = errors.New("no engines installed")
	ErrAmbiguousEngine = errors.New("multiple engines installed, specify one explicitly")
)

// UnknownEngineError reports a name that matches no known engine.
type UnknownEngineError struct {
	Name string
}

func (e *UnknownEngineError) Error() string {
	return fmt.Sprintf("unknown engine: %s", e.Name)
}

// NotInstalledError reports a known engine whose CLI is missing from PATH.
type NotInstalledError struct {
	Engine Engine
}

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("engine %q is not installed (install: %s)", e.Engine.Name, e.Engine.InstallInfo)
}

// Resolve picks the engine to use. A non-empty name is validated against the
// registry and PATH. An empty name auto-selects only when exactly one engine
// is installed.
func (r *Registry) Resolve(name string) (Engine, error) {
	if name != "" {
		e, ok := r.ByName(name)
		if !ok {
			return Engine{}, &UnknownEngineError{Name: name}
		}
		if !e.Installed() {
			return Engine{}, &NotInstalledError{Engine: e}
		}
		return e, nil
	}

	available := r.Available()
	switch len(available) {
	case 0:
		return Engine{}, ErrNoEngines
	case 1:
		return available[0], nil
	default:
		return Engine{}, ErrAmbiguousEngine
	}
}
