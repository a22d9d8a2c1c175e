// Package log provides structured logging for the pool portal.
// It wraps the standard library's slog package with pool-specific field helpers.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger and remembers the service identity it was built with
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w. Unknown formats fall back to JSON.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// ParseLevel maps a textual level to slog. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Service returns the service name the logger was created with
func (l *Logger) Service() string { return l.service }

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent tags log lines with the emitting component (master, workers, gateway...)
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithCoin tags log lines with the pool's coin name
func (l *Logger) WithCoin(coin string) *Logger {
	return l.WithFields("coin", coin)
}

// WithFork tags log lines with the worker process fork ID
func (l *Logger) WithFork(forkID int) *Logger {
	return l.WithFields("fork_id", forkID)
}

// WithWorker returns a logger with miner-specific fields
func (l *Logger) WithWorker(worker, ip string) *Logger {
	return l.WithFields("worker", worker, "ip", ip)
}

// WithShare returns a logger with share-specific fields
func (l *Logger) WithShare(jobID string, difficulty float64) *Logger {
	return l.WithFields("job_id", jobID, "difficulty", difficulty)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation at debug level
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/float64(time.Millisecond),
	)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareSubmission logs a share decision
func (l *Logger) LogShareSubmission(worker, jobID string, difficulty, shareDiff float64, status string) {
	l.Debug("share submission",
		"worker", worker,
		"job_id", jobID,
		"difficulty", difficulty,
		"share_diff", shareDiff,
		"status", status,
	)
}

// LogBlockFound logs an accepted block
func (l *Logger) LogBlockFound(blockHash string, height int64, worker string, blockDiff float64) {
	l.Info("block found",
		"block_hash", blockHash,
		"block_height", height,
		"worker", worker,
		"block_diff", blockDiff,
	)
}
