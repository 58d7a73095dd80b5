package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, 30, cfg.MaxRequestsPerMinute)
	require.Equal(t, 3, cfg.MaxConcurrent)
	require.Equal(t, 2*time.Second, cfg.MinInterval)
	require.Equal(t, 60*time.Second, cfg.AcquireTimeout)
	require.Equal(t, 3, cfg.MaxRounds)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("G3_RATE_LIMIT_RPM", "60")
	t.Setenv("G3_RATE_LIMIT_MIN_INTERVAL", "500ms")
	t.Setenv("G3_MAX_ROUNDS", "5")

	cfg := Load()
	require.Equal(t, 60, cfg.MaxRequestsPerMinute)
	require.Equal(t, 500*time.Millisecond, cfg.MinInterval)
	require.Equal(t, 5, cfg.MaxRounds)
}

func TestLoadIgnoresGarbageValues(t *testing.T) {
	t.Setenv("G3_RATE_LIMIT_RPM", "not-a-number")
	t.Setenv("G3_ACQUIRE_TIMEOUT", "sixty seconds")

	cfg := Load()
	require.Equal(t, 30, cfg.MaxRequestsPerMinute)
	require.Equal(t, 60*time.Second, cfg.AcquireTimeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero rpm", func(c *Config) { c.MaxRequestsPerMinute = 0 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrent = 0 }},
		{"zero rounds", func(c *Config) { c.MaxRounds = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
