// Package logger provides no-op and test loggers for the subscription engine.
package logger

import "github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"

// NopLogger discards all log messages.
//
// It is the default logger of every component when no logger option is given.
//
// Example:
//
//	proc, err := datasink.NewProcessor(&cfg, st, datasink.WithLogger(logger.NewNop()))
type NopLogger struct{}

var _ types.Logger = (*NopLogger)(nil)

// NewNop creates a logger that performs no operations.
func NewNop() *NopLogger {
	return &NopLogger{}
}

// Debug discards the message.
func (n *NopLogger) Debug(string, ...any) {}

// Info discards the message.
func (n *NopLogger) Info(string, ...any) {}

// Warn discards the message.
func (n *NopLogger) Warn(string, ...any) {}

// Error discards the message.
func (n *NopLogger) Error(string, ...any) {}

// With returns n; there is nothing to attach fields to.
func (n *NopLogger) With(...any) types.Logger { return n }

// OrNop returns l, or a NopLogger when l is nil.
func OrNop(l types.Logger) types.Logger {
	if l == nil {
		return NewNop()
	}

	return l
}
