// Package logger provides structured logging setup for the mediation core.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/toolgate/toolgate/internal/config"
)

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stdout with a "service" attribute on every record.
func New(cfg config.Logging) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	return slog.New(handler).With("service", cfg.Service)
}

// WithRun returns a logger that stamps every record with the run ID.
func WithRun(log *slog.Logger, runID string) *slog.Logger {
	return log.With("run_id", runID)
}

// WithCall returns a logger scoped to one tool call within a run.
func WithCall(log *slog.Logger, runID, callID string) *slog.Logger {
	return log.With("run_id", runID, "call_id", callID)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
