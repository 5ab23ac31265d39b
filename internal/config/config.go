// Package config loads overseer configuration from YAML with environment
// overrides. A missing file yields defaults, so the binary runs without any
// setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all overseer configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Evolution    EvolutionConfig    `yaml:"evolution"`
	Storage      StorageConfig      `yaml:"storage"`
	Logging      LoggingConfig      `yaml:"logging"`

	Workers []WorkerConfig `yaml:"workers"`
	Swarms  []SwarmConfig  `yaml:"swarms"`
}

// OrchestratorConfig holds run-loop policy.
type OrchestratorConfig struct {
	MaxRevisions   int    `yaml:"max_revisions"`    // revision cycles per task before escalation
	MaxTaskRetries int    `yaml:"max_task_retries"` // re-queues after worker failures
	GlobalTimeout  string `yaml:"global_timeout"`   // bound on a whole run
	TaskTimeout    string `yaml:"task_timeout"`     // bound on one hierarchical execution
}

// EvolutionConfig holds staged-rollout policy.
type EvolutionConfig struct {
	RollbackThreshold float64 `yaml:"rollback_threshold"` // fractional degradation that triggers rollback
	MonitoringWindow  string  `yaml:"monitoring_window"`  // observation period per stage
}

// StorageConfig locates the sqlite database and the audit trail.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	AuditPath    string `yaml:"audit_path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	JSONFormat bool   `yaml:"json_format"` // JSON output instead of console
	OutputPath string `yaml:"output_path"` // empty means stderr
}

// WorkerConfig describes one worker registration.
type WorkerConfig struct {
	ID             string   `yaml:"id"`
	Capabilities   []string `yaml:"capabilities"`    // task kinds served; empty serves all
	MaxConcurrency int64    `yaml:"max_concurrency"` // simultaneous tasks; zero means one
	Command        string   `yaml:"command"`         // shell command template for CLI workers
}

// SwarmConfig names a group of workers dispatched together.
type SwarmConfig struct {
	Name             string   `yaml:"name"`
	Members          []string `yaml:"members"`
	Quorum           int      `yaml:"quorum"`             // <=0 means all members
	PerWorkerTimeout string   `yaml:"per_worker_timeout"` // empty means no per-member bound
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "overseer",
		Version: "0.3.0",

		Orchestrator: OrchestratorConfig{
			MaxRevisions:   3,
			MaxTaskRetries: 1,
			GlobalTimeout:  "30m",
			TaskTimeout:    "5m",
		},

		Evolution: EvolutionConfig{
			RollbackThreshold: 0.15,
			MonitoringWindow:  "30s",
		},

		Storage: StorageConfig{
			DatabasePath: "data/overseer.db",
			AuditPath:    "data/audit.jsonl",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, applying defaults and
// environment overrides. A nonexistent path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OVERSEER_DB_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("OVERSEER_AUDIT_PATH"); v != "" {
		c.Storage.AuditPath = v
	}
	if v := os.Getenv("OVERSEER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("OVERSEER_GLOBAL_TIMEOUT"); v != "" {
		c.Orchestrator.GlobalTimeout = v
	}
}

// Validate checks invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxRevisions < 0 {
		return fmt.Errorf("orchestrator.max_revisions must not be negative: %d", c.Orchestrator.MaxRevisions)
	}
	if c.Orchestrator.MaxTaskRetries < 0 {
		return fmt.Errorf("orchestrator.max_task_retries must not be negative: %d", c.Orchestrator.MaxTaskRetries)
	}
	if c.Evolution.RollbackThreshold < 0 || c.Evolution.RollbackThreshold > 1 {
		return fmt.Errorf("evolution.rollback_threshold must be in [0, 1]: %g", c.Evolution.RollbackThreshold)
	}
	for _, d := range []struct{ name, value string }{
		{"orchestrator.global_timeout", c.Orchestrator.GlobalTimeout},
		{"orchestrator.task_timeout", c.Orchestrator.TaskTimeout},
		{"evolution.monitoring_window", c.Evolution.MonitoringWindow},
	} {
		if _, err := parseDuration(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}

	seen := make(map[string]bool, len(c.Workers))
	for _, w := range c.Workers {
		if w.ID == "" {
			return fmt.Errorf("worker with empty id")
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate worker id %q", w.ID)
		}
		seen[w.ID] = true
	}
	for _, s := range c.Swarms {
		if s.Name == "" {
			return fmt.Errorf("swarm with empty name")
		}
		for _, m := range s.Members {
			if !seen[m] {
				return fmt.Errorf("swarm %q references unknown worker %q", s.Name, m)
			}
		}
		if s.Quorum > len(s.Members) {
			return fmt.Errorf("swarm %q quorum %d exceeds member count %d", s.Name, s.Quorum, len(s.Members))
		}
		if _, err := parseDuration(s.PerWorkerTimeout); err != nil {
			return fmt.Errorf("swarm %q per_worker_timeout: %w", s.Name, err)
		}
	}
	return nil
}

// GlobalTimeoutDuration returns the parsed run timeout.
func (c *OrchestratorConfig) GlobalTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.GlobalTimeout)
	return d
}

// TaskTimeoutDuration returns the parsed per-task timeout.
func (c *OrchestratorConfig) TaskTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.TaskTimeout)
	return d
}

// MonitoringWindowDuration returns the parsed per-stage observation period.
func (c *EvolutionConfig) MonitoringWindowDuration() time.Duration {
	d, _ := parseDuration(c.MonitoringWindow)
	return d
}

// PerWorkerTimeoutDuration returns the parsed per-member budget.
func (c *SwarmConfig) PerWorkerTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.PerWorkerTimeout)
	return d
}

// parseDuration parses a duration string, treating empty as zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
