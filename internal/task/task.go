// Package task provides the reusable task templates attempts are built from.
//
// A task is a directory containing a task.toml definition plus markdown
// prompt files. The markdown files are concatenated in sorted order, so
// numbered prefixes (01_context.md, 02_guidelines.md) give explicit
// ordering.
package task

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

const taskDefFile = "task.toml"

// Spec defines a task type for AI execution: how the AI should approach a
// chunk of work, including the prompt, available tools, and model
// preference.
type Spec struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Tools       []string `toml:"tools"`
	Model       string   `toml:"model"`

	// PromptTemplate is the combined markdown prompt. Runtime-only.
	PromptTemplate string `toml:"-"`
	// Source is the directory the task was loaded from. Runtime-only.
	Source string `toml:"-"`
}

// Wildcard is the tool allowlist entry meaning "all tools".
const Wildcard = "*"

// RestrictedTools returns the tool allowlist, or nil when the task allows
// all tools.
func (s *Spec) RestrictedTools() []string {
	if len(s.Tools) == 0 {
		return nil
	}
	if len(s.Tools) == 1 && s.Tools[0] == Wildcard {
		return nil
	}
	out := make([]string, len(s.Tools))
	copy(out, s.Tools)
	return out
}

// Restrict applies the wildcard rule to an arbitrary tool list: nil or
// a lone wildcard means unrestricted (nil), anything else is copied.
func Restrict(tools []string) []string {
	s := Spec{Tools: tools}
	return s.RestrictedTools()
}

// Catalog resolves task names to specs. Get returns nil for unknown names
// rather than an error so callers can decide how to surface it.
type Catalog interface {
	Get(name string) *Spec
	Names() []string
}

// DirCatalog loads tasks from an ordered list of directories; later
// directories win for the same task name (project overrides global).
type DirCatalog struct {
	roots []string
}

// NewDirCatalog creates a catalog over the given root directories.
func NewDirCatalog(roots ...string) *DirCatalog {
	return &DirCatalog{roots: roots}
}

// Get loads a task by name, checking roots in reverse order so the last
// root has the highest priority. Returns nil when no root has the task.
func (c *DirCatalog) Get(name string) *Spec {
	for i := len(c.roots) - 1; i >= 0; i-- {
		dir := filepath.Join(c.roots[i], name)
		spec, err := loadFromDir(dir)
		if err == nil && spec != nil {
			return spec
		}
	}
	return nil
}

// Names returns the sorted set of task names across all roots.
func (c *DirCatalog) Names() []string {
	seen := map[string]struct{}{}
	for _, root := range c.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if _, err := os.Stat(filepath.Join(root, e.Name(), taskDefFile)); err == nil {
				seen[e.Name()] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// loadFromDir reads task.toml and the combined markdown prompt from a task
// directory. Returns (nil, nil) when the directory has no definition.
func loadFromDir(dir string) (*Spec, error) {
	defPath := filepath.Join(dir, taskDefFile)
	if _, err := os.Stat(defPath); err != nil {
		return nil, nil
	}

	var spec Spec
	if _, err := toml.DecodeFile(defPath, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", defPath, err)
	}
	if spec.Name == "" {
		spec.Name = filepath.Base(dir)
	}
	if len(spec.Tools) == 0 {
		spec.Tools = []string{Wildcard}
	}
	spec.Source = dir

	prompt, err := combineMarkdown(dir)
	if err != nil {
		return nil, err
	}
	spec.PromptTemplate = prompt
	return &spec, nil
}

// combineMarkdown concatenates every non-empty *.md file in sorted order.
func combineMarkdown(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return "", err
	}
	sort.Strings(matches)

	var parts []string
	for _, path := range matches {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		trimmed := strings.TrimSpace(string(content))
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// MapCatalog is an in-memory catalog for tests and embedding.
type MapCatalog map[string]*Spec

func (m MapCatalog) Get(name string) *Spec { return m[name] }

func (m MapCatalog) Names() []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
