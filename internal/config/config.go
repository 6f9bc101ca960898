// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for the run-engine worker.
type Config struct {
	DatabaseURL string // Postgres DSN for the run metastore
	RedisAddr   string // Redis address for queue + event transport (default "127.0.0.1:6379")
	RedisDB     int    // Redis logical DB (default 0)

	ListenAddr    string // ops HTTP listen address (default ":8080")
	EncryptionKey string // 64-char hex string (32-byte AES key) for event payloads and SQL at rest
	LogLevel      string // log level: debug, info, warn, error (default "info")
	Env           string // environment: "development" (default) or "production"

	// Remote platform API.
	PlatformBaseURL   string  // base URL of the remote platform REST API
	PlatformAuthToken string  // bearer token for platform calls
	PlatformRateRPS   float64 // sustained platform requests per second (default 10)
	PlatformRateBurst int     // burst capacity (default 20)

	// Worker concurrency, bounded per job kind.
	ExecuteConcurrency int // concurrent execute jobs (default 4)
	PollConcurrency    int // concurrent poll jobs (default 16)

	// Poll policy overrides file (YAML), optional.
	PollPolicyFile string

	// Orphan sweep.
	SweepSchedule   string        // cron spec (default "*/5 * * * *")
	SweepStaleAfter time.Duration // poll-heartbeat quiet threshold before re-adoption (default 10m, far above the 30s backoff cap)

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

const insecureDefaultKey = "0000000000000000000000000000000000000000000000000000000000000000"

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the worker is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		ListenAddr:        os.Getenv("LISTEN_ADDR"),
		EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		Env:               os.Getenv("ENV"),
		PlatformBaseURL:   os.Getenv("PLATFORM_BASE_URL"),
		PlatformAuthToken: os.Getenv("PLATFORM_AUTH_TOKEN"),
		PollPolicyFile:    os.Getenv("POLL_POLICY_FILE"),
		SweepSchedule:     os.Getenv("SWEEP_SCHEDULE"),
	}

	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("PLATFORM_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.PlatformRateRPS = f
		}
	}
	if v := os.Getenv("PLATFORM_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PlatformRateBurst = n
		}
	}
	if v := os.Getenv("EXECUTE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ExecuteConcurrency = n
		}
	}
	if v := os.Getenv("POLL_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollConcurrency = n
		}
	}
	if v := os.Getenv("SWEEP_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SweepStaleAfter = d
		}
	}

	// Defaults
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "127.0.0.1:6379"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PlatformRateRPS == 0 {
		cfg.PlatformRateRPS = 10
	}
	if cfg.PlatformRateBurst == 0 {
		cfg.PlatformRateBurst = 20
	}
	if cfg.ExecuteConcurrency == 0 {
		cfg.ExecuteConcurrency = 4
	}
	if cfg.PollConcurrency == 0 {
		cfg.PollConcurrency = 16
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "*/5 * * * *"
	}
	if cfg.SweepStaleAfter == 0 {
		cfg.SweepStaleAfter = 10 * time.Minute
	}
	if cfg.EncryptionKey == "" {
		cfg.EncryptionKey = insecureDefaultKey
		cfg.Warnings = append(cfg.Warnings, "ENCRYPTION_KEY not set — using insecure default. Set ENCRYPTION_KEY in production!")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if cfg.EncryptionKey == insecureDefaultKey {
			return nil, fmt.Errorf("ENCRYPTION_KEY must be set in production (ENV=production)")
		}
		if cfg.PlatformBaseURL == "" {
			return nil, fmt.Errorf("PLATFORM_BASE_URL must be set in production (ENV=production)")
		}
	}

	return cfg, nil
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
