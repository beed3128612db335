package logger

import (
	"context"
	"os"
	"sync"
)

type TestLogEntry struct {
	Severity  string
	Message   string
	Arguments []interface{}
	Metadata  map[string]interface{}
}

type testLogStore struct {
	mu   sync.Mutex
	logs []TestLogEntry
}

// TestLogger records every call for later inspection. Loggers derived with
// With, WithPrefix or Stack share one store, so entries logged from any of
// them (and from any goroutine) show up in Entries.
type TestLogger struct {
	metadata map[string]interface{}
	store    *testLogStore
	child    Logger
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) WithContext(ctx context.Context) Logger {
	return c
}

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	child := c.child
	if child != nil {
		child = child.With(metadata)
	}
	return &TestLogger{metadata: copyMetadata(c.metadata, metadata), store: c.store, child: child}
}

func (c *TestLogger) Log(severity string, msg string, args ...interface{}) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.logs = append(c.store.logs, TestLogEntry{severity, msg, args, c.metadata})
}

// Entries returns a snapshot of the recorded log entries
func (c *TestLogger) Entries() []TestLogEntry {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	out := make([]TestLogEntry, len(c.store.logs))
	copy(out, c.store.logs)
	return out
}

// Count returns the number of entries recorded at severity
func (c *TestLogger) Count(severity string) int {
	var n int
	for _, e := range c.Entries() {
		if e.Severity == severity {
			n++
		}
	}
	return n
}

func (c *TestLogger) Trace(msg string, args ...interface{}) {
	c.Log("TRACE", msg, args...)
	if c.child != nil {
		c.child.Trace(msg, args...)
	}
}

func (c *TestLogger) Debug(msg string, args ...interface{}) {
	c.Log("DEBUG", msg, args...)
	if c.child != nil {
		c.child.Debug(msg, args...)
	}
}

func (c *TestLogger) Info(msg string, args ...interface{}) {
	c.Log("INFO", msg, args...)
	if c.child != nil {
		c.child.Info(msg, args...)
	}
}

func (c *TestLogger) Warn(msg string, args ...interface{}) {
	c.Log("WARNING", msg, args...)
	if c.child != nil {
		c.child.Warn(msg, args...)
	}
}

func (c *TestLogger) Error(msg string, args ...interface{}) {
	c.Log("ERROR", msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

func (c *TestLogger) Fatal(msg string, args ...interface{}) {
	c.Log("FATAL", msg, args...)
	if c.child != nil {
		c.child.Fatal(msg, args...)
	}
	os.Exit(1)
}

func (c *TestLogger) Stack(next Logger) Logger {
	return &TestLogger{metadata: c.metadata, store: c.store, child: next}
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{store: &testLogStore{}}
}
