// Package config loads scheduler configuration from TOML or YAML, mirroring
// the file-based config style used elsewhere in the example corpus.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/corvid-run/taskloom/runner"
	"gopkg.in/yaml.v3"
)

// Config holds the tunables a WorkerManager and its Workers need at
// startup. Every field has a sane default via DefaultConfig; loaders only
// need to override what a deployment actually cares about.
type Config struct {
	Scheduler SchedulerConfig `toml:"scheduler" yaml:"scheduler"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
}

// SchedulerConfig controls pool sizing and per-runner resource limits.
type SchedulerConfig struct {
	PoolSize                int    `toml:"pool_size" yaml:"pool_size"`
	DefaultPriority         string `toml:"default_priority" yaml:"default_priority"`
	ImmediateQueueCap       int    `toml:"immediate_queue_cap" yaml:"immediate_queue_cap"`
	RunnerLocalStorageSlots int    `toml:"runner_local_storage_slots" yaml:"runner_local_storage_slots"`
	IdleTaskBudgetMillis    int    `toml:"idle_task_budget_millis" yaml:"idle_task_budget_millis"`
}

// LoggingConfig controls the default zerolog adapter, when the embedder
// asks for one to be built from config rather than supplied directly.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // "json" or "console"
}

// DefaultConfig returns a Config with the scheduler's built-in defaults:
// a pool sized to the host, user-visible priority, and the same queue
// constants runner.newRunner uses internally.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			PoolSize:                0, // 0 means "GOMAXPROCS", resolved by the caller
			DefaultPriority:         "user_visible",
			ImmediateQueueCap:       16,
			RunnerLocalStorageSlots: 32,
			IdleTaskBudgetMillis:    50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadTOML reads and decodes a TOML config file, applying DefaultConfig's
// values to any field left unset by the file.
func LoadTOML(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode toml %s: %w", path, err)
	}
	return cfg, nil
}

// LoadYAML reads and decodes a YAML config file, applying DefaultConfig's
// values to any field left unset by the file.
func LoadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem found with c, rather than stopping at the
// first one, so a caller can surface all of them at once.
func (c *Config) Validate() []error {
	var errs []error
	if c.Scheduler.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("scheduler.pool_size must be >= 0, got %d", c.Scheduler.PoolSize))
	}
	switch c.Scheduler.DefaultPriority {
	case "user_blocking", "user_visible", "best_effort":
	default:
		errs = append(errs, fmt.Errorf("invalid scheduler.default_priority: %q (expected user_blocking, user_visible, or best_effort)", c.Scheduler.DefaultPriority))
	}
	if c.Scheduler.ImmediateQueueCap <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.immediate_queue_cap must be > 0, got %d", c.Scheduler.ImmediateQueueCap))
	}
	if c.Scheduler.RunnerLocalStorageSlots <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.runner_local_storage_slots must be > 0, got %d", c.Scheduler.RunnerLocalStorageSlots))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("invalid logging.format: %q (expected json or console)", c.Logging.Format))
	}
	return errs
}

// ResolvePoolSize returns c.Scheduler.PoolSize, or GOMAXPROCS when it is
// left at its zero-value "unset" meaning.
func (c *Config) ResolvePoolSize() int {
	if c.Scheduler.PoolSize > 0 {
		return c.Scheduler.PoolSize
	}
	return runtime.GOMAXPROCS(0)
}

// priority maps the scheduler's string priority onto runner.TaskPriority.
// Validate should be called first; an unrecognised value falls back to
// TaskPriorityUserVisible rather than panicking.
func (c *Config) priority() runner.TaskPriority {
	switch c.Scheduler.DefaultPriority {
	case "user_blocking":
		return runner.TaskPriorityUserBlocking
	case "best_effort":
		return runner.TaskPriorityBestEffort
	default:
		return runner.TaskPriorityUserVisible
	}
}

// ToManagerConfig resolves c into the ManagerConfig NewWorkerManager takes,
// carrying over the scheduler tunables. Logger/Metrics/Panics/NewBackend
// are left for the caller to set, since those are wiring decisions this
// package has no opinion on.
func (c *Config) ToManagerConfig() runner.ManagerConfig {
	return runner.ManagerConfig{
		ImmediateQueueCap:       c.Scheduler.ImmediateQueueCap,
		RunnerLocalStorageSlots: c.Scheduler.RunnerLocalStorageSlots,
		IdleTaskBudget:          runner.FromDuration(time.Duration(c.Scheduler.IdleTaskBudgetMillis) * time.Millisecond),
		DefaultPriority:         c.priority(),
	}
}
