package logger

import (
	"fmt"
	"strings"
	"testing"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// TestLogger implements types.Logger on top of testing.TB so log lines
// appear next to the test that produced them.
type TestLogger struct {
	tb     testing.TB
	fields []any
}

var _ types.Logger = (*TestLogger)(nil)

// NewTest creates a logger that writes through tb.Logf.
//
// Example:
//
//	func TestSweep(t *testing.T) {
//	    sw := expiration.New(st, pool, gate, expiration.WithLogger(logger.NewTest(t)))
//	}
func NewTest(tb testing.TB) *TestLogger {
	return &TestLogger{tb: tb}
}

func (l *TestLogger) Debug(msg string, keysAndValues ...any) { l.log("DEBUG", msg, keysAndValues) }

func (l *TestLogger) Info(msg string, keysAndValues ...any) { l.log("INFO", msg, keysAndValues) }

func (l *TestLogger) Warn(msg string, keysAndValues ...any) { l.log("WARN", msg, keysAndValues) }

func (l *TestLogger) Error(msg string, keysAndValues ...any) { l.log("ERROR", msg, keysAndValues) }

// With returns a logger that prefixes every line with keysAndValues.
func (l *TestLogger) With(keysAndValues ...any) types.Logger {
	fields := append(append([]any(nil), l.fields...), keysAndValues...)

	return &TestLogger{tb: l.tb, fields: fields}
}

func (l *TestLogger) log(level, msg string, keysAndValues []any) {
	l.tb.Helper()
	if len(l.fields) > 0 {
		keysAndValues = append(append([]any(nil), l.fields...), keysAndValues...)
	}
	l.tb.Logf("%s: %s %s", level, msg, formatKeyValues(keysAndValues))
}

// formatKeyValues renders key-value pairs as "k=v" separated by spaces.
func formatKeyValues(keysAndValues []any) string {
	var sb strings.Builder
	for i := 0; i < len(keysAndValues); i += 2 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if i+1 < len(keysAndValues) {
			fmt.Fprintf(&sb, "%v=%v", keysAndValues[i], keysAndValues[i+1])
		} else {
			fmt.Fprintf(&sb, "%v=<missing>", keysAndValues[i])
		}
	}

	return sb.String()
}
