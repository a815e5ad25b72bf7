// Package config provides the orchestrator's typed configuration with
// hot-reload support. The YAML tree is decoded strictly: unknown fields
// are rejected with a clear message rather than silently ignored.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete orchestrator configuration.
type Config struct {
	Routing     RoutingConfig     `yaml:"routing"`
	Cache       CacheConfig       `yaml:"cache"`
	Memory      MemoryConfig      `yaml:"memory"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Health      HealthConfig      `yaml:"health"`
	Logging     LoggingConfig     `yaml:"logging"`
	Environment EnvironmentConfig `yaml:"environment"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// RoutingConfig contains routing and fallback settings.
type RoutingConfig struct {
	Strategy        string        `yaml:"strategy"`
	FallbackDepth   int           `yaml:"fallback_depth"`
	RetryBudget     int           `yaml:"retry_budget"`
	RouteCacheTTL   time.Duration `yaml:"route_cache_ttl"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
	RetryJitter     float64       `yaml:"retry_jitter"`
}

// CacheConfig contains the response cache tiers.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	L1MaxEntries int           `yaml:"l1_max_entries"`
	L1MaxBytes   int64         `yaml:"l1_max_bytes"`
	L2Path       string        `yaml:"l2_path"`
	L2MaxBytes   int64         `yaml:"l2_max_bytes"`
	L3Endpoint   string        `yaml:"l3_endpoint"`
	Compression  bool          `yaml:"compression"`
	ResponseTTL  time.Duration `yaml:"response_ttl"`
}

// MemoryConfig contains the memory manager's bounds.
type MemoryConfig struct {
	MaxBytes           int64         `yaml:"max_bytes"`
	SwapPath           string        `yaml:"swap_path"`
	CompressionEnabled bool          `yaml:"compression_enabled"`
	GCInterval         time.Duration `yaml:"gc_interval"`
}

// ConcurrencyConfig bounds in-flight work.
type ConcurrencyConfig struct {
	GlobalMaxInFlight int `yaml:"global_max_in_flight"`
	PerModelMax       int `yaml:"per_model_max"`
	WorkerMin         int `yaml:"worker_min"`
	WorkerMax         int `yaml:"worker_max"`
	TaskQueueMax      int `yaml:"task_queue_max"`
}

// HealthConfig tunes the self-healing monitor and circuit breakers.
type HealthConfig struct {
	CheckInterval             time.Duration `yaml:"check_interval"`
	OpenOnConsecutiveFailures int           `yaml:"open_on_consecutive_failures"`
	OpenOnFailureRate         float64       `yaml:"open_on_failure_rate"`
	Cooldown                  time.Duration `yaml:"cooldown"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	JSONFormat bool   `yaml:"json"`
}

// EnvironmentConfig is the injected runtime descriptor for the engine
// selector.
type EnvironmentConfig struct {
	Platform       string `yaml:"platform"`
	Runtime        string `yaml:"runtime"`
	MaxMemoryBytes int64  `yaml:"max_memory_bytes"`
}

// PersistenceConfig names the durable state files.
type PersistenceConfig struct {
	ManifestPath string `yaml:"manifest_path"`
	ErrorLogPath string `yaml:"error_log_path"`
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Routing: RoutingConfig{
			Strategy:        "balanced",
			FallbackDepth:   3,
			RetryBudget:     3,
			RouteCacheTTL:   60 * time.Second,
			RetryBackoff:    100 * time.Millisecond,
			RetryMaxBackoff: 5 * time.Second,
			RetryJitter:     0.2,
		},
		Cache: CacheConfig{
			Enabled:      true,
			L1MaxEntries: 1000,
			L1MaxBytes:   64 << 20,
			L2MaxBytes:   256 << 20,
			Compression:  true,
			ResponseTTL:  10 * time.Minute,
		},
		Memory: MemoryConfig{
			MaxBytes:   8 << 30,
			GCInterval: time.Minute,
		},
		Concurrency: ConcurrencyConfig{
			GlobalMaxInFlight: 64,
			PerModelMax:       4,
			WorkerMin:         2,
			WorkerMax:         8,
			TaskQueueMax:      256,
		},
		Health: HealthConfig{
			CheckInterval:             10 * time.Second,
			OpenOnConsecutiveFailures: 5,
			OpenOnFailureRate:         0.5,
			Cooldown:                  30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},
		Environment: EnvironmentConfig{
			Platform: "cpu",
			Runtime:  "local",
		},
	}
}

// LoadFromFile reads and strictly parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded. Unknown
// fields are rejected.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config (unknown fields are rejected): %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// validStrategies mirrors the router's strategy set; the dependency points
// this way so the router package need not know about YAML.
var validStrategies = map[string]struct{}{
	"quality-first":  {},
	"cost-optimized": {},
	"speed-priority": {},
	"balanced":       {},
	"random":         {},
	"round-robin":    {},
	"least-loaded":   {},
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, ok := validStrategies[c.Routing.Strategy]; !ok {
		return fmt.Errorf("routing.strategy: unknown strategy %q", c.Routing.Strategy)
	}
	if c.Routing.FallbackDepth < 0 {
		return fmt.Errorf("routing.fallback_depth cannot be negative")
	}
	if c.Routing.RetryBudget < 0 {
		return fmt.Errorf("routing.retry_budget cannot be negative")
	}
	if c.Routing.RouteCacheTTL < 0 {
		return fmt.Errorf("routing.route_cache_ttl cannot be negative")
	}
	if c.Routing.RetryBackoff < 0 || c.Routing.RetryMaxBackoff < 0 {
		return fmt.Errorf("routing retry backoffs cannot be negative")
	}
	if c.Routing.RetryJitter < 0 || c.Routing.RetryJitter > 1 {
		return fmt.Errorf("routing.retry_jitter must be between 0 and 1")
	}

	if c.Cache.L1MaxEntries <= 0 {
		return fmt.Errorf("cache.l1_max_entries must be positive")
	}
	if c.Cache.L1MaxBytes <= 0 {
		return fmt.Errorf("cache.l1_max_bytes must be positive")
	}
	if c.Cache.L2Path != "" && c.Cache.L2MaxBytes <= 0 {
		return fmt.Errorf("cache.l2_max_bytes must be positive when l2_path is set")
	}

	if c.Memory.MaxBytes <= 0 {
		return fmt.Errorf("memory.max_bytes must be positive")
	}
	if c.Memory.GCInterval < 0 {
		return fmt.Errorf("memory.gc_interval cannot be negative")
	}

	if c.Concurrency.GlobalMaxInFlight < 0 {
		return fmt.Errorf("concurrency.global_max_in_flight cannot be negative")
	}
	if c.Concurrency.PerModelMax <= 0 {
		return fmt.Errorf("concurrency.per_model_max must be positive")
	}
	if c.Concurrency.WorkerMin <= 0 {
		return fmt.Errorf("concurrency.worker_min must be positive")
	}
	if c.Concurrency.WorkerMax < c.Concurrency.WorkerMin {
		return fmt.Errorf("concurrency.worker_max must be at least worker_min")
	}
	if c.Concurrency.TaskQueueMax <= 0 {
		return fmt.Errorf("concurrency.task_queue_max must be positive")
	}

	if c.Health.CheckInterval <= 0 {
		return fmt.Errorf("health.check_interval must be positive")
	}
	if c.Health.OpenOnConsecutiveFailures <= 0 {
		return fmt.Errorf("health.open_on_consecutive_failures must be positive")
	}
	if c.Health.OpenOnFailureRate <= 0 || c.Health.OpenOnFailureRate > 1 {
		return fmt.Errorf("health.open_on_failure_rate must be within (0, 1]")
	}
	if c.Health.Cooldown <= 0 {
		return fmt.Errorf("health.cooldown must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	return nil
}
