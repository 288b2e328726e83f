// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"testing"
	"time"

	"github.com/ManuGH/reelctl/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"DATABASE_URL", "EVENT_BUS_PROJECT_ID", "EVENT_BUS_EMULATOR_HOST",
		"POOL_MIN", "POOL_MAX", "POOL_ACQUIRE_TIMEOUT_MS", "POOL_SLOW_QUERY_MS",
		"POOL_LEAK_THRESHOLD_MS", "BREAKER_ERROR_THRESHOLD", "BREAKER_RESET_TIMEOUT_MS",
		"LIFECYCLE_STALL_TIMEOUT_MS", "LIFECYCLE_RECLAIM_INTERVAL_MS", "WORKER_ID",
		"WORKER_CONCURRENCY", "SAFETY_RETRIES", "ADMIN_LISTEN_ADDR", "LOG_LEVEL",
		"TELEMETRY_ENABLED", "TELEMETRY_EXPORTER", "TELEMETRY_ENDPOINT",
		"SERVICE_VERSION", "ENVIRONMENT",
	}
	for _, v := range vars {
		t.Setenv(v, "")
		_ = v
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	clearEnv(t)
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
	assert.Contains(t, err.Error(), "EVENT_BUS_PROJECT_ID is required")
}

func TestLoad_AppliesEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/reelctl")
	t.Setenv("EVENT_BUS_PROJECT_ID", "reelctl-local")
	t.Setenv("POOL_MIN", "4")
	t.Setenv("POOL_MAX", "20")
	t.Setenv("POOL_ACQUIRE_TIMEOUT_MS", "2500")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("DEFAULT_MAX_RETRIES_RENDER_VIDEO", "5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/reelctl", cfg.DatabaseURL)
	assert.Equal(t, "reelctl-local", cfg.EventBusProjectID)
	assert.Equal(t, 4, cfg.PoolMin)
	assert.Equal(t, 20, cfg.PoolMax)
	assert.Equal(t, 2500*time.Millisecond, cfg.PoolAcquireTimeout)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 5, cfg.DefaultMaxRetries[domain.JobRenderVideo])
}

func TestLoad_PoolMaxBelowMinIsInvalid(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/reelctl")
	t.Setenv("EVENT_BUS_PROJECT_ID", "reelctl-local")
	t.Setenv("POOL_MIN", "10")
	t.Setenv("POOL_MAX", "2")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POOL_MAX must be >= POOL_MIN")
}
