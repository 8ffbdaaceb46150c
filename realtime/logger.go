package realtime

import (
	"context"
	"log/slog"
)

// Logger is a minimal logging interface accepted by the SDK.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// noopLogger discards all logs.
type noopLogger struct{}

func (noopLogger) Debug(string, map[string]any) {}
func (noopLogger) Info(string, map[string]any)  {}
func (noopLogger) Warn(string, map[string]any)  {}
func (noopLogger) Error(string, map[string]any) {}

// NewSlogLogger adapts a *slog.Logger to Logger. A nil logger uses
// slog.Default().
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return slogLogger{l: l.With(slog.String("component", "realtime"))}
}

type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Debug(msg string, f map[string]any) { s.log(slog.LevelDebug, msg, f) }
func (s slogLogger) Info(msg string, f map[string]any)  { s.log(slog.LevelInfo, msg, f) }
func (s slogLogger) Warn(msg string, f map[string]any)  { s.log(slog.LevelWarn, msg, f) }
func (s slogLogger) Error(msg string, f map[string]any) { s.log(slog.LevelError, msg, f) }

func (s slogLogger) log(level slog.Level, msg string, fields map[string]any) {
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.l.LogAttrs(context.Background(), level, msg, attrs...)
}
