package flowlite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
)

// Logger is the structured-logging surface shared by the registry, the
// orchestrator, the scheduler and the providers. Implementations must be
// safe for concurrent use.
type Logger interface {
	Debug(ctx context.Context, msg string, keysAndValues ...interface{})
	Info(ctx context.Context, msg string, keysAndValues ...interface{})
	Warn(ctx context.Context, msg string, keysAndValues ...interface{})
	Error(ctx context.Context, msg string, keysAndValues ...interface{})
	WithFields(fields map[string]interface{}) Logger
}

var defaultLogLevel slog.Leveler = slog.LevelInfo

type LogFormat string

const (
	TextFormat LogFormat = "text"
	JSONFormat LogFormat = "json"
)

// slogLogger adapts log/slog to Logger. Every record carries the short
// caller location so interleaved registry/saga/scheduler lines can be told
// apart without grepping.
type slogLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger(level slog.Leveler, format LogFormat) Logger {
	return newSlogLogger(os.Stdout, level, format)
}

func newSlogLogger(w io.Writer, level slog.Leveler, format LogFormat) Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case JSONFormat:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &slogLogger{
		logger: slog.New(handler).With("app", "flowlite"),
	}
}

// log funnels every level through a single call site so the caller
// annotation always skips the same two frames.
func (l *slogLogger) log(ctx context.Context, level slog.Level, msg string, keysAndValues []interface{}) {
	if !l.logger.Enabled(ctx, level) {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		keysAndValues = append(keysAndValues, "source", fmt.Sprintf("%s:%d", filepath.Base(file), line))
	}
	l.logger.Log(ctx, level, msg, keysAndValues...)
}

func (l *slogLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, slog.LevelDebug, msg, keysAndValues)
}

func (l *slogLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, slog.LevelInfo, msg, keysAndValues)
}

func (l *slogLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, slog.LevelWarn, msg, keysAndValues)
}

func (l *slogLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.log(ctx, slog.LevelError, msg, keysAndValues)
}

func (l *slogLogger) WithFields(fields map[string]interface{}) Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &slogLogger{logger: l.logger.With(args...)}
}
