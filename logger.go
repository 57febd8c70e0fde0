package vectra

import (
	"io"
	"log/slog"

	"github.com/hupe1980/vectra/internal/logging"
)

// Logger wraps slog.Logger with vectra-specific context.
type Logger = logging.Logger

// NewLogger creates a Logger with the given handler. A nil handler logs
// text to stderr.
func NewLogger(handler slog.Handler) *Logger {
	return logging.NewLogger(handler)
}

// NewJSONLogger creates a Logger that writes JSON lines to w.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	return logging.NewJSONLogger(w, level)
}

// NewTextLogger creates a Logger that writes human-readable text to w.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	return logging.NewTextLogger(w, level)
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return logging.NoopLogger()
}
