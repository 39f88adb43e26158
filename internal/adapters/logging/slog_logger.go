package logging

import (
	"context"
	"log/slog"

	"github.com/sufield/ephemport/internal/core/ports"
)

// SlogLogger implements the ports.Logger interface with slog backend.
type SlogLogger struct {
	logger *slog.Logger
	attrs  []ports.LogAttribute
	group  string
}

// NewSlogLogger wraps an existing *slog.Logger. A nil logger uses slog.Default().
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

// NewSecureLogger builds a logger on top of handler with sensitive data redaction.
func NewSecureLogger(handler slog.Handler) *SlogLogger {
	return &SlogLogger{logger: slog.New(NewRedactorHandler(handler))}
}

// Debug logs a debug level message.
func (l *SlogLogger) Debug(ctx context.Context, message string, attrs ...ports.LogAttribute) {
	l.log(ctx, slog.LevelDebug, message, attrs...)
}

// Info logs an info level message.
func (l *SlogLogger) Info(ctx context.Context, message string, attrs ...ports.LogAttribute) {
	l.log(ctx, slog.LevelInfo, message, attrs...)
}

// Warn logs a warning level message.
func (l *SlogLogger) Warn(ctx context.Context, message string, attrs ...ports.LogAttribute) {
	l.log(ctx, slog.LevelWarn, message, attrs...)
}

// Error logs an error level message.
func (l *SlogLogger) Error(ctx context.Context, message string, attrs ...ports.LogAttribute) {
	l.log(ctx, slog.LevelError, message, attrs...)
}

// WithAttrs returns a new logger with the given attributes added.
func (l *SlogLogger) WithAttrs(attrs ...ports.LogAttribute) ports.Logger {
	merged := make([]ports.LogAttribute, len(l.attrs)+len(attrs))
	copy(merged, l.attrs)
	copy(merged[len(l.attrs):], attrs)

	return &SlogLogger{logger: l.logger, attrs: merged, group: l.group}
}

// WithGroup returns a new logger with the given group name. Nested groups are
// joined with a dot.
func (l *SlogLogger) WithGroup(name string) ports.Logger {
	group := name
	if l.group != "" {
		group = l.group + "." + name
	}
	return &SlogLogger{logger: l.logger, attrs: l.attrs, group: group}
}

// Slog returns the underlying *slog.Logger.
func (l *SlogLogger) Slog() *slog.Logger {
	return l.logger
}

func (l *SlogLogger) log(ctx context.Context, level slog.Level, message string, attrs ...ports.LogAttribute) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.logger.Enabled(ctx, level) {
		return
	}

	slogAttrs := make([]slog.Attr, 0, len(l.attrs)+len(attrs))
	for _, attr := range l.attrs {
		slogAttrs = append(slogAttrs, slog.Any(attr.Key, attr.Value))
	}
	for _, attr := range attrs {
		slogAttrs = append(slogAttrs, slog.Any(attr.Key, attr.Value))
	}

	if l.group != "" {
		slogAttrs = []slog.Attr{{Key: l.group, Value: slog.GroupValue(slogAttrs...)}}
	}

	l.logger.LogAttrs(ctx, level, message, slogAttrs...)
}
