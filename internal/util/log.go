// Package util provides shared helpers for logging and retry backoff.
package util

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts a level string ("debug", "info", "warn", "error") into
// a slog.Level. Unrecognised strings default to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the given level.
// format selects between "json" and "text" handlers; anything else means text.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetDefault configures the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// Default returns a text logger on stderr at info level, for use before
// configuration has been loaded.
func Default() *slog.Logger {
	return NewLogger(os.Stderr, "info", "text")
}
