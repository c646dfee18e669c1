package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestLoad_RequiresDBPassword(t *testing.T) {
	clearEnv(t, "DB_PASSWORD", "IMAGE_REQUEST_QUEUE_URL")
	os.Setenv("IMAGE_REQUEST_QUEUE_URL", "https://sqs.example/q")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_PASSWORD")
}

func TestLoad_RequiresQueueURL(t *testing.T) {
	clearEnv(t, "DB_PASSWORD", "IMAGE_REQUEST_QUEUE_URL")
	os.Setenv("DB_PASSWORD", "secret")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMAGE_REQUEST_QUEUE_URL")
}

func TestLoad_AppliesDefaultsWhenUnset(t *testing.T) {
	clearEnv(t, "DB_PASSWORD", "IMAGE_REQUEST_QUEUE_URL", "DB_HOST", "TILE_WORKER_COUNT", "SELF_THROTTLING_ENABLED")
	os.Setenv("DB_PASSWORD", "secret")
	os.Setenv("IMAGE_REQUEST_QUEUE_URL", "https://sqs.example/q")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 8, cfg.Service.TileWorkerCount)
	assert.True(t, cfg.Service.SelfThrottlingEnabled)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 1, cfg.Table.DefaultCapacity)
}

func TestLoad_EnvVarsOverrideDefaults(t *testing.T) {
	clearEnv(t, "DB_PASSWORD", "IMAGE_REQUEST_QUEUE_URL", "DB_HOST", "DB_PORT", "TILE_WORKER_COUNT",
		"SELF_THROTTLING_ENABLED", "SCHEDULER_POLL_INTERVAL", "ENDPOINT_CAPACITIES")
	os.Setenv("DB_PASSWORD", "secret")
	os.Setenv("IMAGE_REQUEST_QUEUE_URL", "https://sqs.example/q")
	os.Setenv("DB_HOST", "db.internal")
	os.Setenv("DB_PORT", "6543")
	os.Setenv("TILE_WORKER_COUNT", "16")
	os.Setenv("SELF_THROTTLING_ENABLED", "false")
	os.Setenv("SCHEDULER_POLL_INTERVAL", "5s")
	os.Setenv("ENDPOINT_CAPACITIES", "model-a=2, model-b=4")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 16, cfg.Service.TileWorkerCount)
	assert.False(t, cfg.Service.SelfThrottlingEnabled)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, map[string]int{"model-a": 2, "model-b": 4}, cfg.Table.EndpointCapacities)
}

func TestLoad_DotEnvLocalOverridesDotEnv(t *testing.T) {
	clearEnv(t, "DB_PASSWORD", "IMAGE_REQUEST_QUEUE_URL", "DB_HOST")

	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	localPath := filepath.Join(dir, ".env.local")

	require.NoError(t, os.WriteFile(envPath, []byte("DB_PASSWORD=from-env\nIMAGE_REQUEST_QUEUE_URL=https://sqs.example/q\nDB_HOST=env-host\n"), 0o644))
	require.NoError(t, os.WriteFile(localPath, []byte("DB_HOST=local-host\n"), 0o644))

	cfg, err := Load(envPath)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, "local-host", cfg.Database.Host)
}

func TestGetEnvIntMap_SkipsMalformedEntries(t *testing.T) {
	clearEnv(t, "TEST_CAPACITY_MAP")
	os.Setenv("TEST_CAPACITY_MAP", "a=1,bad,b=notanint,c=3")

	got := getEnvIntMap("TEST_CAPACITY_MAP")
	assert.Equal(t, map[string]int{"a": 1, "c": 3}, got)
}
