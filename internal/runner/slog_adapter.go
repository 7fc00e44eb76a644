package runner

import "log/slog"

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	l *slog.Logger
}

// Adapt wraps l as a runner.Logger.
func Adapt(l *slog.Logger) Logger {
	return SlogLogger{l: l}
}

func (s SlogLogger) Info(msg string, kv ...interface{})  { s.l.Info(msg, kv...) }
func (s SlogLogger) Error(msg string, kv ...interface{}) { s.l.Error(msg, kv...) }
func (s SlogLogger) Debug(msg string, kv ...interface{}) { s.l.Debug(msg, kv...) }
