// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// cycleIDKey is the context key for loop cycle ids.
type cycleIDKey struct{}

// Options configures the logger.
type Options struct {
	// Level is debug, info, warn or error. Defaults to info.
	Level string
	// File additionally writes JSON lines to a rotating file when set.
	File string
	// MaxSizeMB is the size at which File is rotated. Defaults to 100.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept. Defaults to 5.
	MaxBackups int
	// Output replaces stdout, mostly for tests.
	Output io.Writer
}

// New creates a new structured JSON logger.
func New(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.File != "" {
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 100
		}
		if opts.MaxBackups <= 0 {
			opts.MaxBackups = 5
		}
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		})
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	})), nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// WithCycleID returns a new context with the given cycle ID.
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, cycleIDKey{}, cycleID)
}

// CycleIDFromContext extracts the cycle ID from the context.
func CycleIDFromContext(ctx context.Context) string {
	if v := ctx.Value(cycleIDKey{}); v != nil {
		return v.(string)
	}
	return ""
}

// FromContext returns a logger with context fields (cycle ID, etc.) attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if id := CycleIDFromContext(ctx); id != "" {
		return base.With("cycle_id", id)
	}
	return base
}
