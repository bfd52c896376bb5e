package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {

	cfg, loaded, err := Load("")
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, ":3000", cfg.HTTPAddr())
	assert.Equal(t, []string{"python3", "classify.py"}, cfg.WorkerCommand)
	assert.Equal(t, 30*time.Second, cfg.WorkerTimeout)
	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Empty(t, cfg.DatabaseDSN)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("WORKER_COMMAND", "/opt/venv/bin/python /srv/classify.py")
	t.Setenv("WORKER_TIMEOUT", "5s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:5173,https://example.org")

	cfg, _, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr())
	assert.Equal(t, []string{"/opt/venv/bin/python", "/srv/classify.py"}, cfg.WorkerCommand)
	assert.Equal(t, 5*time.Second, cfg.WorkerTimeout)
	assert.Equal(t, []string{"http://localhost:5173", "https://example.org"}, cfg.CORSAllowedOrigins)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("STAGING_DIR=/var/tmp/uploads\nWORKER_TIMEOUT=45s\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("STAGING_DIR")
		os.Unsetenv("WORKER_TIMEOUT")
	})

	cfg, loaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "/var/tmp/uploads", cfg.StagingDir)
	assert.Equal(t, 45*time.Second, cfg.WorkerTimeout)
}

func TestLoadMissingEnvFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Config{
		WorkerCommand:  []string{"python3"},
		WorkerTimeout:  time.Second,
		MaxUploadBytes: 1,
		DatabaseDriver: "postgres",
	}
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.WorkerCommand = nil
	bad.WorkerTimeout = 0
	bad.DatabaseDriver = "mysql"
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_COMMAND")
	assert.Contains(t, err.Error(), "WORKER_TIMEOUT")
	assert.Contains(t, err.Error(), "DATABASE_DRIVER")
}
