package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs a JSON slog handler on stderr. level overrides LOG_LEVEL
// when non-empty.
func Init(level string) {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})))
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything
// else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
