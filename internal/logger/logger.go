// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"log/slog"
	"os"
)

// commandIDKey is the context key for command identifiers.
type commandIDKey struct{}

// New creates a structured JSON logger for the named runtime. Logs go to
// stderr: in server mode stdout carries the control protocol.
func New(name string, level slog.Level) *slog.Logger {
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	return log.With("runtime", name)
}

// WithCommandID returns a new context carrying the given command ID.
func WithCommandID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, commandIDKey{}, id)
}

// CommandIDFromContext extracts the command ID from the context.
func CommandIDFromContext(ctx context.Context) (uint64, bool) {
	v, ok := ctx.Value(commandIDKey{}).(uint64)
	return v, ok
}

// FromContext returns a logger with context fields attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if id, ok := CommandIDFromContext(ctx); ok {
		return base.With("pid", id)
	}
	return base
}
