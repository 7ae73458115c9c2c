// Package logging provides structured logging using slog.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"

	// Verbose and Quiet shift Level by one step per count.
	Verbose int
	Quiet   int

	// File appends logs to a file instead of the console.
	File string
	// Stderr sends console logs to stderr. Worker processes use it to keep
	// stdout for their report.
	Stderr bool
}

// Setup initializes the global slog logger based on configuration. The
// returned closer releases the log file, if any.
func Setup(cfg Config) (io.Closer, error) {
	var out io.Writer = os.Stdout
	if cfg.Stderr {
		out = os.Stderr
	}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	slog.SetDefault(slog.New(NewHandler(out, cfg)))
	return closer, nil
}

// NewHandler builds the handler Setup installs.
func NewHandler(w io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: Level(cfg),
	}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// Level resolves the effective level: the configured level moved down one
// step per -v and up one step per -q, never below debug or above error.
func Level(cfg Config) slog.Level {
	level := parseLevel(cfg.Level) - slog.Level(4*cfg.Verbose) + slog.Level(4*cfg.Quiet)
	if level < slog.LevelDebug {
		level = slog.LevelDebug
	}
	if level > slog.LevelError {
		level = slog.LevelError
	}
	return level
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// runIDKey is the context key for run IDs.
type runIDKey struct{}

// WithRunID adds a run ID to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID retrieves the run ID from context.
func RunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GenerateRunID creates a new unique run ID.
func GenerateRunID() string {
	return uuid.NewString()
}

// WorkerLogger creates a logger with worker context.
func WorkerLogger(workerID int) *slog.Logger {
	return slog.With("worker_id", workerID)
}

// RecordLogger adds record context to a worker logger.
func RecordLogger(base *slog.Logger, id string) *slog.Logger {
	return base.With("id", id)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
