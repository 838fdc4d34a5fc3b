// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Level can be changed at runtime; every handler built by New reads it.
var Level slog.LevelVar

// Setup installs the default logger from LOG_LEVEL (debug, info, warn,
// error) and LOG_FORMAT (json or text). Output goes to stdout.
func Setup() *slog.Logger {
	return New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stdout)
}

// New builds a logger writing to w, makes it the slog default and routes
// the standard library log package through it.
func New(level, format string, w io.Writer) *slog.Logger {
	Level.Set(ParseLevel(level))
	opts := &slog.HandlerOptions{Level: &Level}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	log.SetOutput(stdlibWriter{logger})
	log.SetFlags(0)
	return logger
}

// ParseLevel maps a level name to slog.Level. Unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

type stdlibWriter struct {
	logger *slog.Logger
}

func (w stdlibWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"), "source", "stdlib")
	return len(p), nil
}
