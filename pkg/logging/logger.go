// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
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

	// File, if set, receives a JSON copy of every log line.
	File io.Writer
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
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}
	if cfg.File != nil {
		output = zerolog.MultiLevelWriter(output, cfg.File)
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// OpenFile opens path for appending log lines, creating it if needed.
func OpenFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
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
	return WithComponent(log.Logger, component)
}

// WithComponent derives a logger tagged with the given component name.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Individual lookups (resource, id, status)
//   - Records stored
//   - Batch timings
//
// Info: Normal operation events
//   - Crawl start, progress and summary
//   - Pauses between batches
//   - Duplicate records (already stored)
//   - Migrations applied
//
// Warn: Warning conditions that don't prevent operation
//   - Rate limit cooldowns
//   - Retry attempts
//   - Name lookups that gave up
//   - Rate limit backend errors (gate fails open)
//   - Disabled TLS verification
//
// Error: Error conditions requiring attention
//   - Lookups that exhausted their attempts
//   - Failed store writes
//   - Configuration errors
//
// Context Fields:
//   - id: nine-digit registry identifier
//   - resource: name, activity or info
//   - status_code: HTTP status code
//   - attempt: failed attempts so far
//   - error_class: not_found, rate_limit, network, unexpected_status, format
//   - outcome: written, skipped, failed, conflict, store_error
//   - duration: Request or batch duration
