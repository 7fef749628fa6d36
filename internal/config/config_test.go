package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.StoreTimeout)
	assert.Equal(t, 1800, cfg.RateLimit.AuthFailureWindowSeconds)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoad_YAMLFile(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
server:
  port: "9000"
  mode: release
rate_limit:
  enabled: true
  backend: redis
  store_timeout: 5s
redis:
  addr: redis:6379
jwt:
  secret: from-file
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
	assert.Equal(t, 5*time.Second, cfg.RateLimit.StoreTimeout)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	// Environment overrides the file.
	assert.Equal(t, "s3cret", cfg.JWT.Secret)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("RATE_LIMIT_BACKEND", "memory")
	t.Setenv("RATE_LIMIT_HASH_SALT", "pepper")
	t.Setenv("RATE_LIMIT_STORE_TIMEOUT", "750ms")
	t.Setenv("RATE_LIMIT_AUTH_FAILURE_WINDOW", "600")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "pepper", cfg.RateLimit.HashSalt)
	assert.Equal(t, 750*time.Millisecond, cfg.RateLimit.StoreTimeout)
	assert.Equal(t, 600, cfg.RateLimit.AuthFailureWindowSeconds)
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.Error(t, err)
}

func TestLoad_ReleaseModeRequiresHashSalt(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SERVER_MODE", "release")
	t.Setenv("RATE_LIMIT_HASH_SALT", "")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash salt")

	t.Setenv("RATE_LIMIT_HASH_SALT", "pepper")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	require.NoError(t, err)
	assert.Equal(t, "pepper", cfg.RateLimit.HashSalt)
}

func TestLoad_UnknownBackend(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("RATE_LIMIT_BACKEND", "cassandra")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.Error(t, err)
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:   "db.internal",
		Port:   "5432",
		User:   "app",
		DBName: "rategate",
	}

	dsn := cfg.GetDSN()

	assert.Contains(t, dsn, "host=db.internal")
	assert.Contains(t, dsn, "sslmode=disable")
}
