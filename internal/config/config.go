package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr        = ":8080"
	defaultDBPath            = "drover.db"
	defaultHeartbeatTimeout  = 30 * time.Second
	defaultSweepInterval     = 5 * time.Second
	defaultTaskDeadline      = 10 * time.Minute
	defaultAssignRetries     = 3
	defaultFleetPollInterval = time.Second

	envListenAddr        = "DROVER_LISTEN_ADDR"
	envDBPath            = "DROVER_DB_PATH"
	envLogLevel          = "DROVER_LOG_LEVEL"
	envHeartbeatTimeout  = "DROVER_HEARTBEAT_TIMEOUT"
	envSweepInterval     = "DROVER_SWEEP_INTERVAL"
	envTaskDeadline      = "DROVER_TASK_DEADLINE"
	envAssignRetries     = "DROVER_ASSIGN_RETRIES"
	envFleetPollInterval = "DROVER_FLEET_POLL_INTERVAL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// HeartbeatTimeout is how long a client may go silent before the
	// reconciliation sweep marks it disconnected and reaps its task.
	HeartbeatTimeout time.Duration
	// SweepInterval is how often the coordinator runs its background sweeps.
	SweepInterval time.Duration
	// TaskDeadline is the maximum age of a non-terminal task before it is expired.
	TaskDeadline time.Duration
	// AssignRetries bounds how many pending candidates a single poll will
	// attempt to claim before returning "no task".
	AssignRetries int
	// FleetPollInterval is the poll cadence used by drover-node clients.
	FleetPollInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:        defaultListenAddr,
		DBPath:            defaultDBPath,
		LogLevel:          slog.LevelInfo,
		HeartbeatTimeout:  defaultHeartbeatTimeout,
		SweepInterval:     defaultSweepInterval,
		TaskDeadline:      defaultTaskDeadline,
		AssignRetries:     defaultAssignRetries,
		FleetPollInterval: defaultFleetPollInterval,
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
	if d := parseDuration(os.Getenv(envHeartbeatTimeout)); d > 0 {
		cfg.HeartbeatTimeout = d
	}
	if d := parseDuration(os.Getenv(envSweepInterval)); d > 0 {
		cfg.SweepInterval = d
	}
	if d := parseDuration(os.Getenv(envTaskDeadline)); d > 0 {
		cfg.TaskDeadline = d
	}
	if n, err := strconv.Atoi(os.Getenv(envAssignRetries)); err == nil && n > 0 {
		cfg.AssignRetries = n
	}
	if d := parseDuration(os.Getenv(envFleetPollInterval)); d > 0 {
		cfg.FleetPollInterval = d
	}

	return cfg
}

// parseDuration parses a Go duration string, returning 0 for empty or invalid input.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
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
