// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// File additionally writes JSON logs to this path (appending). Optional.
	File string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	logger := zerolog.New(consoleWriter(cfg)).With().Timestamp().Logger()
	return install(cfg, logger)
}

// SetupWithFile configures the global logger like Setup and tees every
// entry to cfg.File. The returned close function flushes the file.
func SetupWithFile(cfg Config) (zerolog.Logger, func() error, error) {
	if cfg.File == "" {
		return Setup(cfg), func() error { return nil }, nil
	}

	if dir := filepath.Dir(cfg.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
	}

	output := zerolog.MultiLevelWriter(consoleWriter(cfg), file)
	logger := zerolog.New(output).With().Timestamp().Logger()
	return install(cfg, logger), file.Close, nil
}

func consoleWriter(cfg Config) io.Writer {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		return zerolog.ConsoleWriter{Out: output}
	}
	return output
}

func install(cfg Config, logger zerolog.Logger) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	log.Logger = logger
	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Credential hand-out (credential, remaining)
//   - Cache operations (hit/miss, key, TTL, ETag)
//   - Retry backoff
//
// Info: Normal operation events
//   - Pool initialization, credential borrowing
//   - Run start/finish, progress
//   - Recovery sleep finished
//
// Warn: Warning conditions that don't prevent operation
//   - Rate limited calls and credential rotation
//   - Transient errors and retries
//   - Pool exhaustion, recovery sleep start
//   - Stalled progress (watchdog)
//   - Notification or cache failures
//
// Error: Error conditions requiring attention
//   - Processor panics
//   - Fatal configuration errors
//
// Context Fields:
//   - credential: credential id (token#N), never the secret
//   - remaining / reset_at: quota state
//   - attempt / status / error_class / outcome: executor
//   - task / progress / total: dispatcher
//   - window: recovery window
//   - run_id: dispatcher run
