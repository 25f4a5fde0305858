package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/jobdispatch")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("BACKEND_LEGACY_URL", "http://legacy.internal:9000")
	t.Setenv("BACKEND_NEW_URL", "http://new.internal:9000")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5*time.Second, cfg.Backends.IntakeTimeout)
	assert.Equal(t, "new-backend-enabled", cfg.Routing.Flag)
	assert.Equal(t, 10*time.Second, cfg.Supervisor.SweepInterval)
	assert.Equal(t, 1*time.Second, cfg.Supervisor.DispatchInterval)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Supervisor.BackoffCap)
	assert.Equal(t, 50, cfg.Supervisor.DispatchBatch)
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("JOBDISPATCH_PORT", "9090")
	t.Setenv("ROUTING_FLAG", "dual-write")
	t.Setenv("RETRY_BACKOFF_BASE", "2s")
	t.Setenv("RETRY_BACKOFF_CAP", "1m")
	t.Setenv("DISPATCH_BATCH_SIZE", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "dual-write", cfg.Routing.Flag)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.BackoffBase)
	assert.Equal(t, time.Minute, cfg.Supervisor.BackoffCap)
	assert.Equal(t, 10, cfg.Supervisor.DispatchBatch)
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
		want  string
	}{
		{"no database", "DATABASE_URL", "DATABASE_URL is required"},
		{"no redis", "REDIS_URL", "REDIS_URL is required"},
		{"no legacy backend", "BACKEND_LEGACY_URL", "BACKEND_LEGACY_URL is required"},
		{"no new backend", "BACKEND_NEW_URL", "BACKEND_NEW_URL is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.unset, "")

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_RejectsBadBackendURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BACKEND_NEW_URL", "new.internal:9000")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must start with http://")
}

func TestLoad_RejectsBackoffCapBelowBase(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RETRY_BACKOFF_BASE", "1m")
	t.Setenv("RETRY_BACKOFF_CAP", "10s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RETRY_BACKOFF_CAP")
}

func TestEnvHelpers_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("SOME_INT", "not-a-number")
	t.Setenv("SOME_DUR", "soon")

	assert.Equal(t, 42, envInt("SOME_INT", 42))
	assert.Equal(t, time.Second, envDuration("SOME_DUR", time.Second))
	assert.Equal(t, "fallback", envString("SOME_STR_UNSET", "fallback"))
}
