package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/optiforge/optiforge/internal/profile"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "optiforge.db"
	defaultExecutor     = "local"
	defaultConcurrency  = 3
	defaultJobTimeout   = 600 * time.Second
	defaultPollInterval = 2 * time.Second
	defaultCacheTTL     = 30 * time.Minute
	defaultCacheSize    = 100
	defaultStaleAge     = 30 * time.Minute

	envListenAddr   = "OPTIFORGE_LISTEN_ADDR"
	envDBPath       = "OPTIFORGE_DB_PATH"
	envLogLevel     = "OPTIFORGE_LOG_LEVEL"
	envExecutor     = "OPTIFORGE_EXECUTOR"
	envConcurrency  = "OPTIFORGE_CONCURRENCY"
	envJobTimeout   = "OPTIFORGE_JOB_TIMEOUT"
	envPollInterval = "OPTIFORGE_POLL_INTERVAL"
	envCacheTTL     = "OPTIFORGE_CACHE_TTL"
	envCacheSize    = "OPTIFORGE_CACHE_SIZE"
	envStaleAge     = "OPTIFORGE_STALE_ALLOCATION_AGE"
	envLargeDataset = "OPTIFORGE_LARGE_DATASET_THRESHOLD"
	envSmallDataset = "OPTIFORGE_SMALL_DATASET_THRESHOLD"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	DBPath       string
	LogLevel     slog.Level
	Executor     string
	Concurrency  int
	JobTimeout   time.Duration
	PollInterval time.Duration
	CacheTTL     time.Duration
	CacheSize    int
	StaleAge     time.Duration
	Thresholds   profile.Thresholds
}

// Load reads configuration from environment variables with sensible defaults.
// Dataset thresholds accept human-readable sizes ("100MB", "10MiB").
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		Executor:     defaultExecutor,
		Concurrency:  defaultConcurrency,
		JobTimeout:   defaultJobTimeout,
		PollInterval: defaultPollInterval,
		CacheTTL:     defaultCacheTTL,
		CacheSize:    defaultCacheSize,
		StaleAge:     defaultStaleAge,
		Thresholds:   profile.DefaultThresholds(),
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envExecutor); v != "" {
		cfg.Executor = v
	}
	if v := os.Getenv(envConcurrency); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv(envCacheSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheSize = n
		}
	}
	cfg.JobTimeout = durationEnv(envJobTimeout, cfg.JobTimeout)
	cfg.PollInterval = durationEnv(envPollInterval, cfg.PollInterval)
	cfg.CacheTTL = durationEnv(envCacheTTL, cfg.CacheTTL)
	cfg.StaleAge = durationEnv(envStaleAge, cfg.StaleAge)

	if v := os.Getenv(envLargeDataset); v != "" {
		if n, err := humanize.ParseBytes(v); err == nil {
			cfg.Thresholds.LargeDatasetBytes = int64(n)
		}
	}
	if v := os.Getenv(envSmallDataset); v != "" {
		if n, err := humanize.ParseBytes(v); err == nil {
			cfg.Thresholds.SmallDatasetBytes = int64(n)
		}
	}

	return cfg
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
