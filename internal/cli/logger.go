package cli

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// setupLogger configures the application-wide logger. It uses "tint" for
// colorized, structured logging that is easy to read in a terminal.
func setupLogger(level, component string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	return slog.New(handler).With("component", component)
}
