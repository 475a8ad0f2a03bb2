// Package logging builds the process-wide slog.Logger, grounded on the
// inline setup in weather-service/cmd/weather-service/main.go and
// api-gateway/main.go (JSON vs text handler chosen by env, level
// parsed from a string).
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a slog.Logger writing to stdout. format is "json" or
// "text" (anything else falls back to text, matching the teacher's
// permissive default); level is one of debug/info/warn/error.
func New(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
