// Package config loads and validates the daemon's YAML configuration
// (spec §6), and converts it into the per-component Config structs
// internal/lockstore, internal/persistence, internal/retry,
// internal/queue, internal/workerpool, and internal/monitor each
// expect. Defaults are applied first, then YAML unmarshal overwrites
// only the keys present; startup errors are fatal to the caller.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/poppobuilder/dispatchd/internal/monitor"
	"github.com/poppobuilder/dispatchd/internal/persistence"
	"github.com/poppobuilder/dispatchd/internal/queue"
	"github.com/poppobuilder/dispatchd/internal/retry"
	"github.com/poppobuilder/dispatchd/internal/workerpool"
	"github.com/poppobuilder/dispatchd/internal/workitem"
)

// BackoffConfig mirrors spec §6 backoff.{initial_ms, max_ms, multiplier,
// jitter, strategy}, applied as the default policy for any error kind
// without its own entry in PerKind.
type BackoffConfig struct {
	InitialMS  int64   `yaml:"initial_ms"`
	MaxMS      int64   `yaml:"max_ms"`
	Multiplier float64 `yaml:"multiplier"`
	Jitter     float64 `yaml:"jitter"`
	Strategy   string  `yaml:"strategy"` // exponential | linear | fixed | immediate
}

// CircuitBreakerConfig mirrors spec §6 circuit_breaker.*.
type CircuitBreakerConfig struct {
	Threshold      int   `yaml:"threshold"`
	TimeoutMS      int64 `yaml:"timeout_ms"`
	HalfOpenProbes int   `yaml:"half_open_probes"`
}

// DeadLetterConfig mirrors spec §6 dead_letter.*. Path is accepted but
// neither validated nor used at runtime: dead letters ride in the unified persistence.State snapshot
// rather than spec's one-file-per-record layout (see DESIGN.md), so
// there is no second location to point Path at.
type DeadLetterConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// StatePersistenceConfig mirrors spec §6 state_persistence.*.
type StatePersistenceConfig struct {
	Backend       string `yaml:"backend"` // file | sql | cache
	Path          string `yaml:"path"`
	Conn          string `yaml:"conn"` // alias accepted for Path on sql/cache backends
	SaveIntervalMS int64 `yaml:"save_interval_ms"`
}

// MonitorThresholds mirrors spec §6 monitor.thresholds.*.
type MonitorThresholds struct {
	Memory         float64 `yaml:"memory"`
	CPU            float64 `yaml:"cpu"`
	Queue          float64 `yaml:"queue"`
	ErrorRate      float64 `yaml:"error_rate"`
	LockFailureRate float64 `yaml:"lock_failure_rate"`
}

// MonitorConfig mirrors spec §6 monitor.*.
type MonitorConfig struct {
	AlertThresholdCount int               `yaml:"alert_threshold"`
	CooldownMS          int64             `yaml:"cooldown_ms"`
	Thresholds          MonitorThresholds `yaml:"thresholds"`
}

// AgingConfig mirrors spec §6 aging.*.
type AgingConfig struct {
	Weight   float64 `yaml:"weight"`
	MaxBonus float64 `yaml:"max_bonus"`
}

// FairnessConfig mirrors spec §6 fairness.*.
type FairnessConfig struct {
	ProjectWeightDefault float64            `yaml:"project_weight_default"`
	ProjectWeight        map[string]float64 `yaml:"project_weight"`
}

// Config is the full set of recognized startup keys (spec §6). On
// SIGHUP, Manager re-reads and validates the file and holds the new
// Config, but the components built at startup keep the values they were
// constructed with: no key takes effect before the next full restart.
type Config struct {
	MaxConcurrentGlobal     int `yaml:"max_concurrent_global"`
	MaxConcurrentPerProject int `yaml:"max_concurrent_per_project"`

	TaskTimeoutMS   int64 `yaml:"task_timeout_ms"`
	GraceShutdownMS int64 `yaml:"grace_shutdown_ms"`

	Backoff     BackoffConfig            `yaml:"backoff"`
	MaxRetries  map[string]int           `yaml:"max_retries"`
	Circuit     CircuitBreakerConfig     `yaml:"circuit_breaker"`
	DeadLetter  DeadLetterConfig         `yaml:"dead_letter"`
	StatePersistence StatePersistenceConfig `yaml:"state_persistence"`
	Monitor     MonitorConfig            `yaml:"monitor"`
	Aging       AgingConfig              `yaml:"aging"`
	Fairness    FairnessConfig           `yaml:"fairness"`

	StateRoot string `yaml:"state_root"`
	LogDir    string `yaml:"log_dir"`
	Locale    string `yaml:"locale"`
	HostID    string `yaml:"host_id"`
}

// Default returns the built-in configuration, matching the defaults
// each component package already applies on a zero Config.
func Default() *Config {
	return &Config{
		MaxConcurrentGlobal:     4,
		MaxConcurrentPerProject: 0,
		TaskTimeoutMS:           30 * 60 * 1000,
		GraceShutdownMS:         10 * 1000,
		Backoff: BackoffConfig{
			InitialMS:  1000,
			MaxMS:      5 * 60 * 1000,
			Multiplier: 2,
			Jitter:     0.10,
			Strategy:   "exponential",
		},
		MaxRetries: map[string]int{"default": 3},
		Circuit: CircuitBreakerConfig{
			Threshold:      5,
			TimeoutMS:      30 * 1000,
			HalfOpenProbes: 2,
		},
		DeadLetter: DeadLetterConfig{Enabled: true, RetentionDays: 7},
		StatePersistence: StatePersistenceConfig{
			Backend:        "file",
			SaveIntervalMS: 5000,
		},
		Monitor: MonitorConfig{
			AlertThresholdCount: 5,
			CooldownMS:          5 * 60 * 1000,
			Thresholds: MonitorThresholds{
				Memory: 90, CPU: 90, Queue: 1000, ErrorRate: 0.5, LockFailureRate: 0.2,
			},
		},
		Aging:    AgingConfig{Weight: 0.1, MaxBonus: 50},
		Fairness: FairnessConfig{ProjectWeightDefault: 1.0},
		Locale:   "en_US.UTF-8",
	}
}

// Load reads path, starting from Default and letting the YAML document
// overwrite only the keys it sets. A missing file is not an error: the
// built-in defaults are returned as though an empty document had been
// loaded, since a freshly installed daemon has no config yet. A
// malformed file, or one that fails Validate, is.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects a configuration with out-of-range or nonsensical
// values before the daemon starts (spec §7: "configuration validation
// errors at startup are fatal").
func (c *Config) Validate() error {
	if c.MaxConcurrentGlobal <= 0 {
		return fmt.Errorf("max_concurrent_global must be positive, got %d", c.MaxConcurrentGlobal)
	}
	if c.MaxConcurrentPerProject < 0 {
		return fmt.Errorf("max_concurrent_per_project must not be negative, got %d", c.MaxConcurrentPerProject)
	}
	if c.TaskTimeoutMS <= 0 {
		return fmt.Errorf("task_timeout_ms must be positive, got %d", c.TaskTimeoutMS)
	}
	if c.GraceShutdownMS <= 0 {
		return fmt.Errorf("grace_shutdown_ms must be positive, got %d", c.GraceShutdownMS)
	}
	switch c.Backoff.Strategy {
	case "exponential", "linear", "fixed", "immediate":
	default:
		return fmt.Errorf("backoff.strategy %q is not one of exponential, linear, fixed, immediate", c.Backoff.Strategy)
	}
	switch c.StatePersistence.Backend {
	case "file", "sql", "cache":
	default:
		return fmt.Errorf("state_persistence.backend %q is not one of file, sql, cache", c.StatePersistence.Backend)
	}
	if c.Circuit.Threshold <= 0 {
		return fmt.Errorf("circuit_breaker.threshold must be positive, got %d", c.Circuit.Threshold)
	}
	if c.Circuit.HalfOpenProbes <= 0 {
		return fmt.Errorf("circuit_breaker.half_open_probes must be positive, got %d", c.Circuit.HalfOpenProbes)
	}
	return nil
}

func ms(n int64) time.Duration { return time.Duration(n) * time.Millisecond }

func backoffStrategy(s string) retry.Strategy {
	switch s {
	case "linear":
		return retry.StrategyLinear
	case "fixed":
		return retry.StrategyFixed
	case "immediate":
		return retry.StrategyImmediate
	default:
		return retry.StrategyExponential
	}
}

// RetryConfig converts the recognized backoff/max_retries/circuit_breaker/
// dead_letter keys into a retry.Config, and returns the default
// BackoffPolicy derived from Backoff plus a per-kind MaxRetries
// override map, both applied by the caller via Controller.SetPolicy
// after retry.New (SetPolicy is the package's own extension point for
// exactly this).
func (c *Config) RetryConfig() (retry.Config, retry.BackoffPolicy, map[workitem.ErrorKind]int) {
	rc := retry.Config{
		Breaker: retry.BreakerConfig{
			Threshold:      c.Circuit.Threshold,
			Cooldown:       ms(c.Circuit.TimeoutMS),
			HalfOpenProbes: c.Circuit.HalfOpenProbes,
		},
		AlertThreshold:      c.Monitor.AlertThresholdCount,
		DeadLetterRetention: time.Duration(c.DeadLetter.RetentionDays) * 24 * time.Hour,
	}

	defaultPolicy := retry.BackoffPolicy{
		Strategy:   backoffStrategy(c.Backoff.Strategy),
		Base:       ms(c.Backoff.InitialMS),
		Ceiling:    ms(c.Backoff.MaxMS),
		Multiplier: c.Backoff.Multiplier,
		Jitter:     c.Backoff.Jitter,
		MaxRetries: c.MaxRetries["default"],
	}

	perKind := make(map[workitem.ErrorKind]int, len(c.MaxRetries))
	for kind, n := range c.MaxRetries {
		if kind == "default" {
			continue
		}
		perKind[workitem.ErrorKind(kind)] = n
	}

	return rc, defaultPolicy, perKind
}

// QueueConfig converts the recognized aging/fairness keys into a
// queue.Config (the caller still wires Breakers/DeadLetters from its
// own retry.Controller instance; Config has no view of those).
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		Aging: queue.AgingConfig{Weight: c.Aging.Weight, MaxBonus: c.Aging.MaxBonus},
		Fairness: queue.FairnessConfig{
			DefaultProjectWeight: c.Fairness.ProjectWeightDefault,
			ProjectWeight:        c.Fairness.ProjectWeight,
		},
		ProjectCap: c.MaxConcurrentPerProject,
	}
}

// WorkerPoolConfig converts the recognized concurrency/timeout keys
// into a workerpool.Config, including LogDir. Command is left for the
// caller to fill in, since it depends on the worker binary location, not
// anything spec §6 names as a config key.
func (c *Config) WorkerPoolConfig() workerpool.Config {
	return workerpool.Config{
		MaxConcurrentGlobal:     c.MaxConcurrentGlobal,
		MaxConcurrentPerProject: c.MaxConcurrentPerProject,
		TaskTimeout:             ms(c.TaskTimeoutMS),
		GraceTimeout:            ms(c.GraceShutdownMS),
		LogDir:                  c.LogDir,
		Locale:                  c.Locale,
	}
}

// PersistenceConfig converts state_persistence.* and state_root into a
// persistence.Config. Conn is accepted as an alias for Path on the sql
// and cache backends, matching how operators commonly name a DSN vs. a
// directory.
func (c *Config) PersistenceConfig() persistence.Config {
	path := c.StatePersistence.Path
	if path == "" {
		path = c.StatePersistence.Conn
	}
	if path == "" && c.StatePersistence.Backend != "cache" {
		path = c.StateRoot
	}
	return persistence.Config{
		Backend: c.StatePersistence.Backend,
		Path:    path,
	}
}

// MonitorConfigFor converts monitor.* into a monitor.Config with the
// fixed MetricKind->Threshold mapping spec §6 names.
func (c *Config) MonitorConfigFor() monitor.Config {
	cooldown := ms(c.Monitor.CooldownMS)
	return monitor.Config{
		Thresholds: map[monitor.MetricKind]monitor.Threshold{
			monitor.MetricHostMemPercent:  {Max: c.Monitor.Thresholds.Memory, Severity: 2, Cooldown: cooldown},
			monitor.MetricHostCPUPercent:  {Max: c.Monitor.Thresholds.CPU, Severity: 2, Cooldown: cooldown},
			monitor.MetricQueueDepth:      {Max: c.Monitor.Thresholds.Queue, Severity: 1, Cooldown: cooldown},
			monitor.MetricTaskErrorRate:   {Max: c.Monitor.Thresholds.ErrorRate, Severity: 3, Cooldown: cooldown},
			monitor.MetricLockFailureRate: {Max: c.Monitor.Thresholds.LockFailureRate, Severity: 2, Cooldown: cooldown},
		},
	}
}

// LockTTL is the exclusive lock's TTL for a freshly acquired item (spec
// §4.6 step ii, Open Question 2): task_timeout plus a fixed safety
// margin, so a lock never expires out from under a worker still
// legitimately running.
func (c *Config) LockTTL() time.Duration {
	const safetyMargin = 30 * time.Second
	return ms(c.TaskTimeoutMS) + safetyMargin
}
