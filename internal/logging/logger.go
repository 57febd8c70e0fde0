// Package logging wraps slog with the field names used across the engine.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with engine-specific helpers.
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
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that writes JSON records to w.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that writes human-readable records to w.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// New builds a Logger from the configured level and format ("json" or "text").
func New(w io.Writer, level, format string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(format) {
	case "", "json":
		return NewJSONLogger(w, lvl), nil
	case "text", "pretty":
		return NewTextLogger(w, lvl), nil
	default:
		return nil, fmt.Errorf("logging: unknown format %q", format)
	}
}

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}

// WithComponent tags records with the emitting subsystem.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// WithTable adds a table field to the logger.
func (l *Logger) WithTable(table string) *Logger {
	return &Logger{Logger: l.Logger.With("table", table)}
}

// LogQuery logs a finished statement.
func (l *Logger) LogQuery(ctx context.Context, sql string, rows int, elapsed time.Duration, err error) {
	if err != nil {
		l.WarnContext(ctx, "query failed",
			"sql", sql,
			"elapsed", elapsed,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "query completed",
		"sql", sql,
		"rows", rows,
		"elapsed", elapsed,
	)
}

// LogCheckpoint logs a checkpoint attempt.
func (l *Logger) LogCheckpoint(ctx context.Context, lsn uint64, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed",
			"lsn", lsn,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "checkpoint written",
		"lsn", lsn,
		"elapsed", elapsed,
	)
}

// LogRecovery logs a WAL recovery operation.
func (l *Logger) LogRecovery(ctx context.Context, checkpointLSN uint64, replayed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "WAL recovery failed",
			"checkpoint_lsn", checkpointLSN,
			"entries_replayed", replayed,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "WAL recovery completed",
		"checkpoint_lsn", checkpointLSN,
		"entries_replayed", replayed,
	)
}

// LogCompaction logs an index compaction.
func (l *Logger) LogCompaction(ctx context.Context, table string, before, after int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index compaction failed",
			"table", table,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "index compacted",
		"table", table,
		"nodes_before", before,
		"nodes_after", after,
	)
}

// LogInsert logs a row write.
func (l *Logger) LogInsert(ctx context.Context, table string, rowID uint64, err error) {
	if err != nil {
		l.WarnContext(ctx, "insert failed",
			"table", table,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "row inserted",
		"table", table,
		"row_id", rowID,
	)
}

// LogSearch logs a vector probe.
func (l *Logger) LogSearch(ctx context.Context, table, column string, k, hits int, elapsed time.Duration, err error) {
	if err != nil {
		l.WarnContext(ctx, "vector search failed",
			"table", table,
			"column", column,
			"k", k,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "vector search completed",
		"table", table,
		"column", column,
		"k", k,
		"hits", hits,
		"elapsed", elapsed,
	)
}

// LogDrop logs a change-bus message dropped under backpressure.
func (l *Logger) LogDrop(topic, subscriptionID string) {
	l.Debug("change event dropped",
		"topic", topic,
		"subscription_id", subscriptionID,
	)
}
