package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable LoadFromEnv reads so tests see only what
// they set themselves.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "REDIS_ADDR", "REDIS_DB", "LISTEN_ADDR",
		"ENCRYPTION_KEY", "LOG_LEVEL", "ENV",
		"PLATFORM_BASE_URL", "PLATFORM_AUTH_TOKEN",
		"PLATFORM_RATE_RPS", "PLATFORM_RATE_BURST",
		"EXECUTE_CONCURRENCY", "POLL_CONCURRENCY",
		"POLL_POLICY_FILE", "SWEEP_SCHEDULE", "SWEEP_STALE_AFTER",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/runs")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.ExecuteConcurrency)
	assert.Equal(t, 16, cfg.PollConcurrency)
	assert.Equal(t, 10.0, cfg.PlatformRateRPS)
	assert.Equal(t, 20, cfg.PlatformRateBurst)
	assert.Equal(t, "*/5 * * * *", cfg.SweepSchedule)
	assert.Equal(t, 10*time.Minute, cfg.SweepStaleAfter)
	assert.False(t, cfg.IsProduction())

	// Missing key falls back with a warning, never silently.
	assert.Equal(t, insecureDefaultKey, cfg.EncryptionKey)
	assert.NotEmpty(t, cfg.Warnings)
}

func TestLoadFromEnv_RequiresDatabaseURL(t *testing.T) {
	clearEnv(t)

	_, err := LoadFromEnv()
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoadFromEnv_ProductionHardening(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/runs")
	t.Setenv("ENV", "production")

	_, err := LoadFromEnv()
	assert.ErrorContains(t, err, "ENCRYPTION_KEY")

	t.Setenv("ENCRYPTION_KEY", "6368616e676520746869732070617373776f726420746f206120736563726574")
	_, err = LoadFromEnv()
	assert.ErrorContains(t, err, "PLATFORM_BASE_URL")

	t.Setenv("PLATFORM_BASE_URL", "https://rest.example.com")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Empty(t, cfg.Warnings)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/runs")
	t.Setenv("EXECUTE_CONCURRENCY", "2")
	t.Setenv("POLL_CONCURRENCY", "32")
	t.Setenv("PLATFORM_RATE_RPS", "2.5")
	t.Setenv("SWEEP_STALE_AFTER", "30m")
	t.Setenv("REDIS_DB", "3")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.ExecuteConcurrency)
	assert.Equal(t, 32, cfg.PollConcurrency)
	assert.Equal(t, 2.5, cfg.PlatformRateRPS)
	assert.Equal(t, 30*time.Minute, cfg.SweepStaleAfter)
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, (&Config{LogLevel: "debug"}).SlogLevel())
	assert.Equal(t, slog.LevelWarn, (&Config{LogLevel: "WARN"}).SlogLevel())
	assert.Equal(t, slog.LevelError, (&Config{LogLevel: "error"}).SlogLevel())
	assert.Equal(t, slog.LevelInfo, (&Config{LogLevel: ""}).SlogLevel())
	assert.Equal(t, slog.LevelInfo, (&Config{LogLevel: "bogus"}).SlogLevel())
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	body := "# comment\n\nDATABASE_URL=postgres://localhost/runs\nLOG_LEVEL=\"debug\"\nBROKEN LINE\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "postgres://localhost/runs", os.Getenv("DATABASE_URL"))
	assert.Equal(t, "debug", os.Getenv("LOG_LEVEL"), "quotes stripped")
}

func TestLoadDotEnv_EnvironmentWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "error")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LOG_LEVEL=debug\n"), 0o600))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "error", os.Getenv("LOG_LEVEL"))
}

func TestLoadDotEnv_MissingFileIsFine(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}
