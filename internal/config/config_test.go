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
	cfg := Defaults()
	assert.True(t, cfg.ExternalEnabled())
	assert.True(t, cfg.AutoSync())
	assert.True(t, cfg.CacheEnabled())
	assert.True(t, cfg.WriteThrough())
	assert.Equal(t, 15*time.Second, cfg.ExternalTimeout())
	assert.Equal(t, 5*time.Second, cfg.HealthTimeout())
	assert.Equal(t, time.Minute, cfg.SyncInterval())
	assert.Equal(t, 5*time.Second, cfg.InitialDelay())
	assert.Equal(t, 500*time.Millisecond, cfg.ItemDelay())
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL())
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay())
	assert.Equal(t, 30*time.Second, cfg.HealthWindow())
	assert.Equal(t, 30*time.Millisecond, cfg.ChunkDelay())
	assert.Equal(t, "127.0.0.1:18790", cfg.Server.Listen)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "pretty", cfg.Logging.ConsoleStyle)
	assert.False(t, cfg.LocalAI.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	// Should return defaults
	assert.Equal(t, 60000, cfg.Sync.IntervalMs)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
external:
  enabled: false
  baseUrl: https://agents.example.com
  timeoutMs: 2000
sync:
  autoSync: false
  intervalMs: 120000
cache:
  ttlSeconds: 60
  writeThrough: false
retry:
  attempts: 5
  baseDelayMs: 250
health:
  windowSeconds: 120
localAI:
  enabled: true
  model: qwen2.5
logging:
  level: debug
  consoleStyle: json
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.ExternalEnabled())
	assert.Equal(t, "https://agents.example.com", cfg.External.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.ExternalTimeout())
	assert.Equal(t, 5*time.Second, cfg.HealthTimeout(), "unset fields keep defaults")
	assert.False(t, cfg.AutoSync())
	assert.Equal(t, 2*time.Minute, cfg.SyncInterval())
	assert.Equal(t, time.Minute, cfg.CacheTTL())
	assert.True(t, cfg.CacheEnabled())
	assert.False(t, cfg.WriteThrough())
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay())
	assert.Equal(t, 2*time.Minute, cfg.HealthWindow())
	assert.True(t, cfg.LocalAI.Enabled)
	assert.Equal(t, "qwen2.5", cfg.LocalAI.Model)
	assert.Equal(t, "http://localhost:11434", cfg.LocalAI.Endpoint)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.ConsoleStyle)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{invalid yaml"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
	var ce *ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("UNISYNC_EXTERNAL_ENABLED", "false")
	t.Setenv("UNISYNC_EXTERNAL_URL", "http://localhost:3000")
	t.Setenv("UNISYNC_SYNC_INTERVAL_MS", "1000")
	t.Setenv("UNISYNC_RETRY_ATTEMPTS", "7")
	t.Setenv("UNISYNC_LOCAL_AI", "true")
	t.Setenv("UNISYNC_LOG_LEVEL", "TRACE")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)

	assert.False(t, cfg.ExternalEnabled())
	assert.Equal(t, "http://localhost:3000", cfg.External.BaseURL)
	assert.Equal(t, time.Second, cfg.SyncInterval())
	assert.Equal(t, 7, cfg.Retry.Attempts)
	assert.True(t, cfg.LocalAI.Enabled)
	assert.Equal(t, "trace", cfg.Logging.Level)
}

func TestLoadIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("UNISYNC_RETRY_ATTEMPTS", "many")
	t.Setenv("UNISYNC_AUTO_SYNC", "perhaps")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.True(t, cfg.AutoSync())
}

func TestLoadExpandsSecrets(t *testing.T) {
	t.Setenv("AGENTS_TOKEN", "s3cret")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
external:
  baseUrl: http://localhost:3000
  token: ${AGENTS_TOKEN}
redis:
  url: redis://localhost:6379/0
  password: ${UNSET_REDIS_PASSWORD}
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.External.Token)
	assert.Equal(t, "${UNSET_REDIS_PASSWORD}", cfg.Redis.Password, "unset variables are left as written")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("UNISYNC_TEST_DOTENV_A=from-file\nUNISYNC_TEST_DOTENV_B=from-file\n"), 0o600))

	t.Setenv("UNISYNC_TEST_DOTENV_B", "from-env")
	t.Cleanup(func() { os.Unsetenv("UNISYNC_TEST_DOTENV_A") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("UNISYNC_TEST_DOTENV_A"))
	assert.Equal(t, "from-env", os.Getenv("UNISYNC_TEST_DOTENV_B"), "existing variables win")
}

func TestLoadDotEnvMissing(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")))
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("UNISYNC_TEST_X", "x")
	assert.Equal(t, "a-x-b", expandEnvVars("a-${UNISYNC_TEST_X}-b"))
	assert.Equal(t, "${NOT_SET_ANYWHERE}", expandEnvVars("${NOT_SET_ANYWHERE}"))
	assert.Equal(t, "$PLAIN", expandEnvVars("$PLAIN"))
}

func TestLoggingOptions(t *testing.T) {
	l := LoggingConfig{Level: "warn", ConsoleStyle: "json", File: "/tmp/u.log"}
	opts := l.Options()
	assert.Equal(t, "warn", opts.Level)
	assert.Equal(t, "json", opts.ConsoleStyle)
	assert.Equal(t, "/tmp/u.log", opts.File)
}

func TestLoadRawAndSaveRaw(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	raw := map[string]any{
		"sync": map[string]any{
			"intervalMs": 30000,
		},
	}
	require.NoError(t, SaveRaw(path, raw))

	loaded, err := LoadRaw(path)
	require.NoError(t, err)
	val, ok := GetValueAtPath(loaded, []string{"sync", "intervalMs"})
	assert.True(t, ok)
	assert.Equal(t, 30000, val)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval())
}

func TestLoadRawMissingFile(t *testing.T) {
	raw, err := LoadRaw(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, raw)
}
