// Package config provides configuration management for provd.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all provd settings. Every field has a documented default;
// values are resolved from flags, PROVD_* environment variables, and an
// optional YAML config file, in that order of precedence.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `mapstructure:"addr" yaml:"addr"`

	// RedisURL is the Redis connection URL (redis://host:port/db).
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`

	// ControllerURLs maps region name to upstream controller base URL.
	ControllerURLs map[string]string `mapstructure:"controller_urls" yaml:"controller_urls,omitempty"`

	// TenantRateLimit is the maximum concurrent upstream requests per tenant.
	TenantRateLimit int `mapstructure:"tenant_rate_limit" yaml:"tenant_rate_limit"`

	// MaxConcurrentUnits bounds per-job unit parallelism (default 10).
	MaxConcurrentUnits int `mapstructure:"max_concurrent_units" yaml:"max_concurrent_units"`

	// ActivityPollInterval is how often the activity tracker polls upstream (default 3s).
	ActivityPollInterval time.Duration `mapstructure:"activity_poll_interval" yaml:"activity_poll_interval"`

	// ActivityTimeoutPolls is how many polls before an activity times out (default 60).
	ActivityTimeoutPolls int `mapstructure:"activity_timeout_polls" yaml:"activity_timeout_polls"`

	// ParallelMapConcurrency is the default intra-phase fan-out bound (default 10).
	ParallelMapConcurrency int `mapstructure:"parallel_map_concurrency" yaml:"parallel_map_concurrency"`

	// PhaseRetryAttempts is the max attempts for retryable upstream errors (default 3).
	PhaseRetryAttempts int `mapstructure:"phase_retry_attempts" yaml:"phase_retry_attempts"`

	// PhaseRetryBase is the exponential backoff base (default 2s).
	PhaseRetryBase time.Duration `mapstructure:"phase_retry_base" yaml:"phase_retry_base"`

	// JobTTL is how long finished jobs persist in Redis (default 7 days).
	JobTTL time.Duration `mapstructure:"job_ttl" yaml:"job_ttl"`

	// JobLockTTL is the distributed job lock expiry (default 5m).
	JobLockTTL time.Duration `mapstructure:"job_lock_ttl" yaml:"job_lock_ttl"`

	// UnitLockTTL is the distributed unit lock expiry (default 1m).
	UnitLockTTL time.Duration `mapstructure:"unit_lock_ttl" yaml:"unit_lock_ttl"`

	// SSEKeepAlive is the keep-alive comment interval for event streams (default 15s).
	SSEKeepAlive time.Duration `mapstructure:"sse_keepalive" yaml:"sse_keepalive"`

	// Dev runs against the in-memory fake controller instead of a real upstream.
	Dev bool `mapstructure:"dev" yaml:"dev,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Addr:                   ":8080",
		RedisURL:               "redis://localhost:6379/0",
		TenantRateLimit:        20,
		MaxConcurrentUnits:     10,
		ActivityPollInterval:   3 * time.Second,
		ActivityTimeoutPolls:   60,
		ParallelMapConcurrency: 10,
		PhaseRetryAttempts:     3,
		PhaseRetryBase:         2 * time.Second,
		JobTTL:                 7 * 24 * time.Hour,
		JobLockTTL:             5 * time.Minute,
		UnitLockTTL:            time.Minute,
		SSEKeepAlive:           15 * time.Second,
	}
}

// Load resolves the configuration from viper (env + optional config file),
// falling back to defaults for anything unset.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()

	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("redis_url", cfg.RedisURL)
	v.SetDefault("tenant_rate_limit", cfg.TenantRateLimit)
	v.SetDefault("max_concurrent_units", cfg.MaxConcurrentUnits)
	v.SetDefault("activity_poll_interval", cfg.ActivityPollInterval)
	v.SetDefault("activity_timeout_polls", cfg.ActivityTimeoutPolls)
	v.SetDefault("parallel_map_concurrency", cfg.ParallelMapConcurrency)
	v.SetDefault("phase_retry_attempts", cfg.PhaseRetryAttempts)
	v.SetDefault("phase_retry_base", cfg.PhaseRetryBase)
	v.SetDefault("job_ttl", cfg.JobTTL)
	v.SetDefault("job_lock_ttl", cfg.JobLockTTL)
	v.SetDefault("unit_lock_ttl", cfg.UnitLockTTL)
	v.SetDefault("sse_keepalive", cfg.SSEKeepAlive)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would break the engine at runtime.
func (c *Config) Validate() error {
	if c.MaxConcurrentUnits < 1 {
		return fmt.Errorf("max_concurrent_units must be >= 1, got %d", c.MaxConcurrentUnits)
	}
	if c.ActivityPollInterval <= 0 {
		return fmt.Errorf("activity_poll_interval must be positive, got %s", c.ActivityPollInterval)
	}
	if c.ActivityTimeoutPolls < 1 {
		return fmt.Errorf("activity_timeout_polls must be >= 1, got %d", c.ActivityTimeoutPolls)
	}
	if c.ParallelMapConcurrency < 1 {
		return fmt.Errorf("parallel_map_concurrency must be >= 1, got %d", c.ParallelMapConcurrency)
	}
	if c.PhaseRetryAttempts < 1 {
		return fmt.Errorf("phase_retry_attempts must be >= 1, got %d", c.PhaseRetryAttempts)
	}
	return nil
}

// ActivityTimeout returns the per-activity wall-clock budget.
func (c *Config) ActivityTimeout() time.Duration {
	return time.Duration(c.ActivityTimeoutPolls) * c.ActivityPollInterval
}
