package cshim

import (
	"errors"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with allocator-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithBackend adds the backend type to the logger.
func (l *Logger) WithBackend(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("backend", name),
	}
}

// WithOp adds an operation field to the logger.
func (l *Logger) WithOp(op Op) *Logger {
	return &Logger{
		Logger: l.Logger.With("op", op.String()),
	}
}

// LogAllocFailure logs a failed allocation. Rejected arguments are logged at
// debug level, out-of-memory conditions at warn level.
func (l *Logger) LogAllocFailure(err *AllocError) {
	attrs := []any{
		"op", err.Op.String(),
		"size", err.Size,
		"errno", err.Errno.Name(),
	}
	if err.Op == OpCalloc || err.Op == OpAlignedCalloc {
		attrs = append(attrs, "count", err.Count)
	}
	if err.Alignment > 0 {
		attrs = append(attrs, "alignment", err.Alignment)
	}
	if cause := errors.Unwrap(err); cause != nil {
		attrs = append(attrs, "error", cause)
	}

	if err.Errno == EINVAL {
		l.Debug("allocation rejected", attrs...)
	} else {
		l.Warn("allocation failed", attrs...)
	}
}

// LogFreeFailure logs a free the backend refused, typically a double free or
// a pointer it never returned.
func (l *Logger) LogFreeFailure(op Op, h Handle, err error) {
	l.Error("free of invalid pointer",
		"op", op.String(),
		"ptr", h.String(),
		"error", err,
	)
}
