// internal/logging/testing.go
package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a logger that records entries at every level.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

// Entries returns entries whose message contains msg.
func (t *TestLogger) Entries(msg string) []observer.LoggedEntry {
	return t.observed.FilterMessageSnippet(msg).All()
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	for _, e := range t.Entries(msg) {
		if e.Level == level {
			return
		}
	}
	tb.Errorf("no %v entry containing %q; got %d entries", level, msg, t.observed.Len())
}

// AssertField fails tb unless an entry containing msg carries the string
// field key=want. Context fields (chat.id, task.id) count.
func (t *TestLogger) AssertField(tb testing.TB, msg, key, want string) {
	tb.Helper()
	for _, e := range t.Entries(msg) {
		if got, ok := e.ContextMap()[key]; ok && got == want {
			return
		}
	}
	tb.Errorf("no entry containing %q with %s=%q", msg, key, want)
}

// Messages lists recorded messages in order, for diffs in failures.
func (t *TestLogger) Messages() []string {
	all := t.observed.All()
	out := make([]string, 0, len(all))
	for _, e := range all {
		out = append(out, strings.TrimSpace(e.Message))
	}
	return out
}
