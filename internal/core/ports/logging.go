// Package ports defines the interfaces (ports) between the listener core and
// its adapters.
package ports

import (
	"context"
)

// LogAttribute represents a key-value pair for structured logging.
type LogAttribute struct {
	Key   string
	Value interface{}
}

// Attr is shorthand for building a LogAttribute.
func Attr(key string, value interface{}) LogAttribute {
	return LogAttribute{Key: key, Value: value}
}

// Logger is the structured logger the core writes to.
type Logger interface {
	// Debug logs a debug level message.
	Debug(ctx context.Context, message string, attrs ...LogAttribute)
	// Info logs an info level message.
	Info(ctx context.Context, message string, attrs ...LogAttribute)
	// Warn logs a warning level message.
	Warn(ctx context.Context, message string, attrs ...LogAttribute)
	// Error logs an error level message.
	Error(ctx context.Context, message string, attrs ...LogAttribute)
	// WithAttrs returns a new logger with the given attributes added.
	WithAttrs(attrs ...LogAttribute) Logger
	// WithGroup returns a new logger with the given group name.
	WithGroup(name string) Logger
}

// NoOpLogger discards everything. It is the default when the host supplies no logger.
type NoOpLogger struct{}

func (NoOpLogger) Debug(context.Context, string, ...LogAttribute) {}
func (NoOpLogger) Info(context.Context, string, ...LogAttribute)  {}
func (NoOpLogger) Warn(context.Context, string, ...LogAttribute)  {}
func (NoOpLogger) Error(context.Context, string, ...LogAttribute) {}

func (l NoOpLogger) WithAttrs(...LogAttribute) Logger { return l }
func (l NoOpLogger) WithGroup(string) Logger          { return l }
