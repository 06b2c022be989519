// Package logger builds the single structured logger used by every
// service process.
package logger

import (
	"log/slog"
	"os"
)

// New creates a JSON structured logger scoped to serviceName. Level is
// taken from LOG_LEVEL (DEBUG, INFO, WARN, ERROR), defaulting to INFO.
func New(serviceName string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level(os.Getenv("LOG_LEVEL"))}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler).With(slog.String("service", serviceName))
}

func level(s string) slog.Level {
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
