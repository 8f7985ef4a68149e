package types

// Logger is the structured logger every engine component writes through.
//
// Fields are passed as alternating key-value pairs, the convention shared by
// log/slog and zap's SugaredLogger, so either can back it with a thin adapter.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	// With returns a Logger that attaches keysAndValues to every line,
	// e.g. the node ordinal of the replica that owns the component.
	With(keysAndValues ...any) Logger
}
