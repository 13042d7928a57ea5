// Package logging provides structured logging using slog.
package logging

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration.
type Config struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// Setup installs the process-wide slog logger. Unrecognized formats fall
// back to text output.
func Setup(cfg Config) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// parseLevel maps a config string to a slog.Level, defaulting to info.
func parseLevel(s string) slog.Level {
	if lvl, ok := levels[strings.ToLower(s)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// GenerateRunID creates a unique identifier for one pipeline invocation.
func GenerateRunID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// NightLogger creates a logger with night-run context fields.
func NightLogger(runID, night string) *slog.Logger {
	return slog.With(
		"run_id", runID,
		"night", night,
	)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
