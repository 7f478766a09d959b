package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.MaxConcurrentUnits != 10 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.ActivityTimeout() != 180*time.Second {
		t.Errorf("ActivityTimeout() = %s, want 3m", cfg.ActivityTimeout())
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("addr", ":9999")
	v.Set("max_concurrent_units", 3)
	v.Set("activity_poll_interval", "500ms")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.MaxConcurrentUnits != 3 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.ActivityPollInterval != 500*time.Millisecond {
		t.Errorf("ActivityPollInterval = %s", cfg.ActivityPollInterval)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	t.Parallel()

	mutations := []func(*Config){
		func(c *Config) { c.MaxConcurrentUnits = 0 },
		func(c *Config) { c.ActivityPollInterval = 0 },
		func(c *Config) { c.ActivityTimeoutPolls = 0 },
		func(c *Config) { c.ParallelMapConcurrency = 0 },
		func(c *Config) { c.PhaseRetryAttempts = 0 },
	}
	for i, mutate := range mutations {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("mutation %d accepted", i)
		}
	}
}
