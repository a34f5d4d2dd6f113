package process

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

const processFile = "process.toml"

// Catalog resolves process names to specs.
type Catalog interface {
	Get(name string) *Spec
	Names() []string
}

// DirCatalog discovers processes from layered directories. Each process
// is a directory containing process.toml; later roots win on name
// collisions.
type DirCatalog struct {
	specs map[string]*Spec
}

// NewDirCatalog scans the given roots. Missing roots are skipped,
// unreadable definitions are skipped silently: a broken process
// directory should not take down discovery of the rest.
func NewDirCatalog(roots ...string) *DirCatalog {
	c := &DirCatalog{specs: make(map[string]*Spec)}
	for _, root := range roots {
		c.scan(root)
	}
	return c
}

func (c *DirCatalog) scan(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		spec, err := LoadSpec(filepath.Join(dir, processFile))
		if err != nil {
			continue
		}
		if spec.Name == "" {
			spec.Name = entry.Name()
		}
		c.specs[spec.Name] = spec
	}
}

// LoadSpec reads one process definition file.
func LoadSpec(path string) (*Spec, error) {
	var spec Spec
	if _, err := toml.DecodeFile(path, &spec); err != nil {
		return nil, fmt.Errorf("decoding process %s: %w", path, err)
	}
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("process %s has no steps", path)
	}
	spec.Source = filepath.Dir(path)
	return &spec, nil
}

func (c *DirCatalog) Get(name string) *Spec {
	return c.specs[name]
}

func (c *DirCatalog) Names() []string {
	names := make([]string, 0, len(c.specs))
	for name := range c.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MapCatalog is an in-memory catalog used by tests.
type MapCatalog map[string]*Spec

func (m MapCatalog) Get(name string) *Spec { return m[name] }

func (m MapCatalog) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
