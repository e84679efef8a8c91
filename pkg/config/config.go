// Package config defines the engine configuration and loads it from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chiseldb/chiseldb/pkg/logger"
	"github.com/chiseldb/chiseldb/pkg/telemetry"
)

// Deadlock handling policies for the lock manager.
const (
	DeadlockPolicyGraph   = "graph"
	DeadlockPolicyTimeout = "timeout"
)

// Config holds all the configuration for a ChiselDB engine instance.
type Config struct {
	// DataDir is the directory holding table files.
	DataDir string `yaml:"data_dir"`
	// LogFile is the path of the write-ahead log file.
	LogFile string `yaml:"log_file"`
	// PageSize is the fixed size of a page in bytes.
	PageSize int `yaml:"page_size"`
	// BufferPoolPages is the maximum number of pages held in memory.
	BufferPoolPages int `yaml:"buffer_pool_pages"`
	// DeadlockPolicy selects how lock conflicts are resolved:
	// "graph" (waits-for cycle prevention) or "timeout".
	DeadlockPolicy string `yaml:"deadlock_policy"`
	// LockTimeoutMs bounds a lock wait under the "timeout" policy.
	LockTimeoutMs int `yaml:"lock_timeout_ms"`

	Logging   logger.Config    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns a configuration suitable for an embedded engine.
func Default() *Config {
	return &Config{
		DataDir:         ".",
		LogFile:         "chiseldb.log",
		PageSize:        4096,
		BufferPoolPages: 50,
		DeadlockPolicy:  DeadlockPolicyGraph,
		LockTimeoutMs:   1000,
		Logging: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "chiseldb",
			PrometheusPort: 9464,
		},
	}
}

// Load reads a YAML configuration file, applying defaults for any field
// left unset.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.BufferPoolPages <= 0 {
		return fmt.Errorf("buffer_pool_pages must be positive, got %d", c.BufferPoolPages)
	}
	if c.DeadlockPolicy != DeadlockPolicyGraph && c.DeadlockPolicy != DeadlockPolicyTimeout {
		return fmt.Errorf("deadlock_policy must be %q or %q, got %q",
			DeadlockPolicyGraph, DeadlockPolicyTimeout, c.DeadlockPolicy)
	}
	if c.LockTimeoutMs <= 0 {
		return fmt.Errorf("lock_timeout_ms must be positive, got %d", c.LockTimeoutMs)
	}
	return nil
}

// LockTimeout returns the lock wait bound as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}
