// Package logging builds the process slog.Logger from tripdesk.yml.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"tripdesk/internal/config"
)

// ParseLevel maps a config level to slog; unknown or empty values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// New returns a text or JSON logger writing to w (stderr when nil).
func New(cfg *config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, format := "info", "text"
	if cfg != nil {
		level, format = cfg.Log.Level, cfg.Log.Format
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
