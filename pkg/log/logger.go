// Package log provides structured logging utilities for chaind.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithAddress returns a logger with a wallet address field
func (l *Logger) WithAddress(address string) *Logger {
	return l.WithFields("address", address)
}

// WithPath returns a logger with derivation path context
func (l *Logger) WithPath(role, path string) *Logger {
	return l.WithFields("role", role, "path", path)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Connection logging helpers

// LogConnection logs request-socket lifecycle events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogReconnect logs a scheduled reconnection attempt
func (l *Logger) LogReconnect(attempt, maxAttempts int, lastErr error) {
	fields := []any{
		"attempt", attempt,
		"max_attempts", maxAttempts,
	}
	if lastErr != nil {
		fields = append(fields, "last_error", lastErr.Error())
	}
	l.Warn("scheduling reconnect", fields...)
}

// Sync logging helpers

// LogScanProgress logs per-path progress of a gap-limit scan
func (l *Logger) LogScanProgress(role, path string, active bool, gapCount, gapEnd int) {
	l.Info("scan progress",
		"role", role,
		"path", path,
		"active", active,
		"gap_count", gapCount,
		"gap_end", gapEnd,
	)
}

// LogScanComplete logs the end of a gap-limit scan
func (l *Logger) LogScanComplete(role string, halted bool, found int) {
	l.Info("scan complete",
		"role", role,
		"halted", halted,
		"addresses_found", found,
	)
}

// LogNotification logs a node event delivered on the event socket (debug level)
func (l *Logger) LogNotification(topic string, size int) {
	l.Debug("node notification",
		"topic", topic,
		"size", size,
	)
}
