package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.HTTPPort)
	assert.Equal(t, 8081, cfg.AdminPort)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 10, cfg.MaxConcurrentTasks)
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, time.Second, cfg.TailBlock)
	assert.Equal(t, 100, cfg.ReplayBatchSize)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FIELDNOTE_REDIS_URL", "redis://cache:6380/2")
	t.Setenv("FIELDNOTE_MAX_CONCURRENT_TASKS", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6380/2", cfg.RedisURL)
	assert.Equal(t, 3, cfg.MaxConcurrentTasks)
}

func TestFileOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldnote.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: 9100\nretention_days: 3\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.HTTPPort)
	assert.Equal(t, 3, cfg.RetentionDays)
	// Untouched keys keep their defaults.
	assert.Equal(t, 8081, cfg.AdminPort)
}

func TestValidation(t *testing.T) {
	t.Setenv("FIELDNOTE_HTTP_PORT", "-1")
	_, err := Load("")
	assert.Error(t, err)
}

func TestMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/fieldnote.yaml")
	assert.Error(t, err)
}
