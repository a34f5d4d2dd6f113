// Package config provides configuration loading for stepd.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (STEPD_LOGGING_LEVEL, STEPD_GATEWAY_BIND_HOST, ...)
//  2. YAML config file (.stepd/config.yaml in the working directory)
//  3. Hardcoded defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/stepd/internal/logging"
)

const envPrefix = "STEPD_"

// Config is the root stepd configuration.
type Config struct {
	Logging      logging.Config     `koanf:"logging"`
	History      HistoryConfig      `koanf:"history"`
	Gateway      GatewayConfig      `koanf:"gateway"`
	Catalog      CatalogConfig      `koanf:"catalog"`
	Engine       EngineConfig       `koanf:"engine"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Summarize    SummarizeConfig    `koanf:"summarize"`
}

// HistoryConfig configures the task history store.
type HistoryConfig struct {
	// Path is the SQLite database file.
	Path string `koanf:"path"`
	// VectorPath is the chromem-go persistence directory. Empty disables
	// persistence (in-memory index rebuilt per run).
	VectorPath string `koanf:"vector_path"`
}

// GatewayConfig configures the per-process MCP tool gateway.
type GatewayConfig struct {
	// BindHost is the address the gateway listens on. Attempts running in
	// containers need a host-reachable address rather than loopback.
	BindHost string `koanf:"bind_host"`
	// DiffMaxBytes caps get_git_diff output.
	DiffMaxBytes int `koanf:"diff_max_bytes"`
}

// CatalogConfig locates on-disk task and process definitions.
type CatalogConfig struct {
	TasksDir     string `koanf:"tasks_dir"`
	ProcessesDir string `koanf:"processes_dir"`
}

// EngineConfig holds engine selection defaults.
type EngineConfig struct {
	// Name forces a specific engine. Empty means auto-detect.
	Name string `koanf:"name"`
	// Model overrides the engine's default model for all attempts.
	Model string `koanf:"model"`
}

// OrchestratorConfig guards the supervised process loop.
type OrchestratorConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Engine        string `koanf:"engine"`
	Model         string `koanf:"model"`
	Image         string `koanf:"image"`
	MaxInjections int    `koanf:"max_injections"`
}

// SummarizeConfig bounds the result summarization subprocess.
type SummarizeConfig struct {
	Enabled bool          `koanf:"enabled"`
	Timeout time.Duration `koanf:"timeout"`
}

// DefaultMaxInjections is the per-origin-index injection cap.
const DefaultMaxInjections = 3

// NewDefault returns a Config with all defaults applied.
func NewDefault() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging = *logging.NewDefaultConfig()
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(".stepd", "history.db")
	}
	if cfg.Gateway.BindHost == "" {
		cfg.Gateway.BindHost = "127.0.0.1"
	}
	if cfg.Gateway.DiffMaxBytes == 0 {
		cfg.Gateway.DiffMaxBytes = 256 * 1024
	}
	if cfg.Catalog.TasksDir == "" {
		cfg.Catalog.TasksDir = filepath.Join(".stepd", "tasks")
	}
	if cfg.Catalog.ProcessesDir == "" {
		cfg.Catalog.ProcessesDir = filepath.Join(".stepd", "processes")
	}
	if cfg.Orchestrator.MaxInjections == 0 {
		cfg.Orchestrator.MaxInjections = DefaultMaxInjections
	}
	if cfg.Summarize.Timeout == 0 {
		cfg.Summarize.Timeout = 60 * time.Second
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Orchestrator.MaxInjections < 1 {
		return fmt.Errorf("orchestrator: max_injections must be >= 1, got %d", c.Orchestrator.MaxInjections)
	}
	if c.Gateway.DiffMaxBytes < 1 {
		return fmt.Errorf("gateway: diff_max_bytes must be >= 1, got %d", c.Gateway.DiffMaxBytes)
	}
	return nil
}

// Load reads configuration from the given YAML file (if it exists), then
// overrides with STEPD_* environment variables. An empty path uses
// .stepd/config.yaml relative to the working directory.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		configPath = filepath.Join(".stepd", "config.yaml")
	}

	if content, err := os.ReadFile(configPath); err == nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// STEPD_GATEWAY_BIND_HOST -> gateway.bind_host: the first underscore
	// after the prefix separates the section from the field name.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// EnsureStateDir creates the .stepd working directory tree if missing.
func EnsureStateDir() error {
	for _, dir := range []string{".stepd", filepath.Join(".stepd", "tasks"), filepath.Join(".stepd", "processes")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
