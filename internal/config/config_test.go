package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, "postgres://localhost:5432/dovos?sslmode=disable", cfg.DatabaseURL)
	assert.Equal(t, []string{"localhost:6379"}, cfg.RedisAddrs)
	assert.Equal(t, 384, cfg.EmbeddingDimension)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.False(t, cfg.WatchFolderEnabled)
	assert.Equal(t, 60*time.Second, cfg.WatchFolderInterval)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DOVOS_DATABASE_URL", "postgres://example/custom")
	t.Setenv("DOVOS_WORKER_COUNT", "9")
	t.Setenv("DOVOS_WATCHFOLDER_ENABLED", "true")
	t.Setenv("DOVOS_WATCHFOLDER_INTERVAL", "45s")

	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, "postgres://example/custom", cfg.DatabaseURL)
	assert.Equal(t, 9, cfg.WorkerCount)
	assert.True(t, cfg.WatchFolderEnabled)
	assert.Equal(t, 45*time.Second, cfg.WatchFolderInterval)
}

func TestLoad_InvalidIntervalErrors(t *testing.T) {
	t.Setenv("DOVOS_WATCHFOLDER_INTERVAL", "not-a-duration")
	_, err := Load()
	assert.Error(t, err)
}
