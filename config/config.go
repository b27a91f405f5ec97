package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all process-level tunables. Values resolve in three layers:
// package defaults, then the optional YAML file, then environment variables.
// Env tags carry overwrite so a set variable wins over file values; defaults
// live in Default rather than in tags so an unset variable never clobbers the
// file layer. The policy constants default to the tested operating points;
// override them only with measurements in hand.
type Config struct {
	// Secrets are the credential tokens for the remote service.
	Secrets []string `yaml:"secrets" env:"DISPATCHMESH_SECRETS,overwrite"`

	// MaxRequestsPerMinute caps calls per credential in the sliding window.
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute" env:"DISPATCHMESH_RPM,overwrite"`
	// LatencyWindow bounds rolling latency samples per credential.
	LatencyWindow int `yaml:"latency_window" env:"DISPATCHMESH_LATENCY_WINDOW,overwrite"`

	// CacheMaxSize bounds live cache entries.
	CacheMaxSize int `yaml:"cache_max_size" env:"DISPATCHMESH_CACHE_MAX_SIZE,overwrite"`
	// CacheTTL is the entry time-to-live.
	CacheTTL time.Duration `yaml:"cache_ttl" env:"DISPATCHMESH_CACHE_TTL,overwrite"`

	// SemanticEnabled turns on the second-chance similarity lookup.
	SemanticEnabled bool `yaml:"semantic_enabled" env:"DISPATCHMESH_SEMANTIC_ENABLED,overwrite"`
	// SemanticThreshold is the minimum similarity for a semantic hit.
	SemanticThreshold float64 `yaml:"semantic_threshold" env:"DISPATCHMESH_SEMANTIC_THRESHOLD,overwrite"`

	// RetryBudget is the maximum remote attempts per work item.
	RetryBudget int `yaml:"retry_budget" env:"DISPATCHMESH_RETRY_BUDGET,overwrite"`
	// WorkerPoolSize caps concurrently executing work items.
	WorkerPoolSize int `yaml:"worker_pool_size" env:"DISPATCHMESH_WORKERS,overwrite"`

	// MemoryCheckInterval is the dispatched-item cadence of pressure checks.
	MemoryCheckInterval int `yaml:"memory_check_interval" env:"DISPATCHMESH_MEMCHECK_INTERVAL,overwrite"`
	// MemoryWarningMB and MemoryCriticalMB are the pressure thresholds.
	MemoryWarningMB  uint64 `yaml:"memory_warning_mb" env:"DISPATCHMESH_MEM_WARNING_MB,overwrite"`
	MemoryCriticalMB uint64 `yaml:"memory_critical_mb" env:"DISPATCHMESH_MEM_CRITICAL_MB,overwrite"`

	// SnapshotPath is the SQLite file for context snapshots; empty keeps
	// snapshots in memory only.
	SnapshotPath string `yaml:"snapshot_path" env:"DISPATCHMESH_SNAPSHOT_PATH,overwrite"`
	// SnapshotRetain bounds how many snapshots the store keeps.
	SnapshotRetain int `yaml:"snapshot_retain" env:"DISPATCHMESH_SNAPSHOT_RETAIN,overwrite"`

	// LogLevel is one of debug, info, warn, error. LogFormat is json or text.
	LogLevel  string `yaml:"log_level" env:"DISPATCHMESH_LOG_LEVEL,overwrite"`
	LogFormat string `yaml:"log_format" env:"DISPATCHMESH_LOG_FORMAT,overwrite"`
}

// Default returns the baseline configuration with all tunables at their
// tested defaults.
func Default() *Config {
	return &Config{
		MaxRequestsPerMinute: 60,
		LatencyWindow:        10,
		CacheMaxSize:         1000,
		CacheTTL:             24 * time.Hour,
		SemanticThreshold:    0.8,
		RetryBudget:          3,
		WorkerPoolSize:       32,
		MemoryCheckInterval:  50,
		MemoryWarningMB:      500,
		MemoryCriticalMB:     1000,
		SnapshotRetain:       10,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// Load resolves the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations that cannot operate.
func (c *Config) Validate() error {
	if c.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("max_requests_per_minute must be positive, got %d", c.MaxRequestsPerMinute)
	}
	if c.CacheMaxSize <= 0 {
		return fmt.Errorf("cache_max_size must be positive, got %d", c.CacheMaxSize)
	}
	if c.SemanticThreshold < 0 || c.SemanticThreshold > 1 {
		return fmt.Errorf("semantic_threshold must be in [0,1], got %g", c.SemanticThreshold)
	}
	if c.RetryBudget <= 0 {
		return fmt.Errorf("retry_budget must be positive, got %d", c.RetryBudget)
	}
	return nil
}
