package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "invoices:processing", cfg.StreamName)
	require.Equal(t, "invoices:dlq", cfg.DLQStreamName)
	require.Equal(t, 3, cfg.APIMaxAttempts)
	require.Equal(t, time.Minute, cfg.ScheduleInterval)
	require.Greater(t, cfg.RateLimitRefill, 0.0)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SCHEDULE_INTERVAL", "15s")
	t.Setenv("CONSUMER_SHARDS", "8")
	t.Setenv("SIMULATE_API", "true")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, cfg.ScheduleInterval)
	require.Equal(t, 8, cfg.ConsumerShards)
	require.True(t, cfg.SimulateAPI)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("API_BASE_URL", "not a url")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("CONSUMER_SHARDS", "banana")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 4, cfg.ConsumerShards)
}
