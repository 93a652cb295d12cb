// Package logger configures the module-wide slog default logger.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Setup installs a text-handler slog default logger at the given level
// ("debug", "info", "warn", "error"; anything else falls back to info).
func Setup(level string) {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l = slog.LevelDebug
	case "info", "":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: l,
	})
	slog.SetDefault(slog.New(handler))
}
