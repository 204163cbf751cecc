// Package logging routes limiter and guard events to the request's canonical log line
// when one is open, and to a slog.Logger otherwise.
package logging

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/nhalm/canonlog"
)

// Fields are structured key/value pairs attached to an event.
type Fields map[string]any

// Info records fields for a routine event. Inside a canonlog request the fields join the
// request's single log line; outside one they are written at info level.
func Info(ctx context.Context, logger *slog.Logger, msg string, fields Fields) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAddMany(ctx, fields)
		return
	}
	logger.LogAttrs(ctx, slog.LevelInfo, msg, attrs(fields)...)
}

// Error records a failure. Inside a canonlog request the error marks the request's log
// line; outside one it is written at error level.
func Error(ctx context.Context, logger *slog.Logger, msg string, err error, fields Fields) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAddMany(ctx, fields)
		canonlog.ErrorAdd(ctx, err)
		return
	}
	logger.LogAttrs(ctx, slog.LevelError, msg, append(attrs(fields), slog.Any("error", err))...)
}

// Annotate adds fields to the request's canonical log line. Without one it does nothing.
func Annotate(ctx context.Context, fields Fields) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAddMany(ctx, fields)
	}
}

// OrDefault returns logger, or slog.Default() when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func attrs(fields Fields) []slog.Attr {
	out := make([]slog.Attr, 0, len(fields)+1)
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		out = append(out, slog.Any(k, fields[k]))
	}
	return out
}
