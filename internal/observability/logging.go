package observability

import (
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	if logger == nil || sessionID == "" {
		return logger
	}
	return logger.With("session_id", sessionID)
}

func WithRun(logger *slog.Logger, runID int64) *slog.Logger {
	if logger == nil || runID == 0 {
		return logger
	}
	return logger.With("run_id", runID)
}

func WithSnapshot(logger *slog.Logger, snapshotID string) *slog.Logger {
	if logger == nil || snapshotID == "" {
		return logger
	}
	return logger.With("snapshot_id", snapshotID)
}
