// Package applog builds the one *slog.Logger each binary threads
// through its components via WithLogger options, grounded on
// nishisan-dev-n-backup's internal/logging.NewLogger (level parsing,
// text/json handler choice) with the file-output option dropped: none
// of the three Rusty Timer binaries write logs to a managed file, they
// log to stderr for their process supervisor to capture.
package applog

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a logger writing structured text to stderr at level.
// Unrecognized level strings fall back to info, matching the
// permissive parsing callers already validated via serverconfig's
// LOG_LEVEL check (or, for the Forwarder/Receiver, their own flags).
func New(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

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
