package main

import (
	"log/slog"
	"os"

	"github.com/btouchard/hookrelay/internal/config"
)

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogging installs a JSON logger on stdout, plus the configured log
// file when it can be opened. The returned func closes the file.
func setupLogging(cfg *config.Config) func() {
	level := parseLevel(cfg.Server.LogLevel)

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	closeFn := func() {}
	if cfg.Server.LogFile != "" {
		path := config.ExpandHome(cfg.Server.LogFile)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640) //nolint:gosec // operator-provided path
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", path, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
			closeFn = func() { _ = f.Close() }
		}
	}

	slog.SetDefault(slog.New(slog.NewMultiHandler(handlers...)))
	return closeFn
}
