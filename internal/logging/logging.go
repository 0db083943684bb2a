// Package logging provides a structured logger factory for the switchgate
// server and CLI.
//
// It configures [log/slog] with a JSON handler and a configurable minimum
// level, suitable for production deployments.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/matt-riley/switchgate/internal/core"
)

// New creates a [slog.Logger] that writes JSON to stderr at the given level.
// Accepted level strings (case-insensitive): "debug", "info", "warn", "error".
// An empty string defaults to "info".
func New(level string) *slog.Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter creates a [slog.Logger] writing JSON to w at the given level.
func NewWithWriter(level string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel converts a level string to a [slog.Level].
// Returns [slog.LevelInfo] for unrecognised values.
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

// ConditionTraceHook returns a [core.DebugHook] that writes each traced
// condition to logger at debug level. A nil logger uses [slog.Default].
func ConditionTraceHook(logger *slog.Logger) core.DebugHook {
	if logger == nil {
		logger = slog.Default()
	}
	return func(trace core.ConditionTrace) {
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			return
		}
		logger.LogAttrs(context.Background(), slog.LevelDebug, "condition evaluated",
			slog.String("segment", trace.Segment),
			slog.String("condition", trace.Condition.Key),
			slog.String("context", trace.Condition.Context),
			slog.String("condition_type", string(trace.Condition.ConditionType)),
			slog.String("operator", string(trace.Condition.Operator)),
			slog.String("value", trace.Condition.Value),
			slog.String("context_value", trace.ContextValue),
			slog.Bool("matched", trace.Matched),
		)
	}
}
