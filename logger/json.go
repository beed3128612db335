package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
)

// JSONLogEntry defines a log entry
// this is modeled after the JSON format expected by Cloud Logging
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity,omitempty"`
	Trace     string                 `json:"logging.googleapis.com/trace,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Component string                 `json:"component,omitempty"`
}

// String renders an entry structure to the JSON format expected by Cloud Logging.
func (e JSONLogEntry) String() string {
	if e.Severity == "" {
		e.Severity = "INFO"
	}
	out, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"message":%q,"severity":"ERROR"}`, "json.Marshal: "+err.Error())
	}
	return string(out)
}

type jsonLogger struct {
	metadata     map[string]interface{}
	traceID      string
	component    string
	out          io.Writer
	sink         Sink
	sinkLogLevel LogLevel
	logLevel     LogLevel
	now          func() time.Time
	child        Logger
}

var _ SinkLogger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	cp := *c
	cp.metadata = copyMetadata(c.metadata, nil)
	return &cp
}

func (c *jsonLogger) WithContext(ctx context.Context) Logger {
	clone := c.clone()
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

func (c *jsonLogger) SetSink(sink Sink, level LogLevel) {
	c.sink = sink
	c.sinkLogLevel = level
	if child, ok := c.child.(SinkLogger); ok {
		child.SetSink(sink, level)
	}
}

// WithPrefix will return a new logger whose component includes prefix
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	switch {
	case clone.component == "":
		clone.component = prefix
	case !strings.Contains(clone.component, prefix):
		clone.component = clone.component + " " + prefix
	}
	if clone.child != nil {
		clone.child = clone.child.WithPrefix(prefix)
	}
	return clone
}

func (c *jsonLogger) With(newFields map[string]interface{}) Logger {
	clone := c.clone()
	clone.metadata = copyMetadata(c.metadata, newFields)
	if trace, ok := clone.metadata["trace"].(string); ok {
		clone.traceID = trace
		delete(clone.metadata, "trace")
	}
	if comp, ok := clone.metadata["component"].(string); ok {
		clone.component = comp
		delete(clone.metadata, "component")
	}
	if clone.child != nil {
		clone.child = clone.child.With(newFields)
	}
	return clone
}

var bracketRegex = regexp.MustCompile(`\[(.*?)\]`)

func tokenize(val string) string {
	if !bracketRegex.MatchString(val) {
		return val
	}
	matches := bracketRegex.FindAllStringSubmatch(val, -1)
	vals := make([]string, 0, len(matches))
	for _, m := range matches {
		vals = append(vals, m[1])
	}
	return strings.Join(vals, ", ")
}

func (c *jsonLogger) log(level LogLevel, msg string, args ...interface{}) {
	if level < c.logLevel && (c.sink == nil || level < c.sinkLogLevel) {
		return
	}
	text := msg
	if len(args) > 0 {
		text = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Severity:  severityName(level),
		Message:   text,
		Trace:     c.traceID,
		Metadata:  c.metadata,
		Component: tokenize(c.component),
		Timestamp: c.now(),
	}
	if len(entry.Metadata) == 0 {
		entry.Metadata = nil
	}
	if c.out != nil && level >= c.logLevel {
		fmt.Fprintln(c.out, entry.String())
	}
	if c.sink != nil && level >= c.sinkLogLevel {
		entry.Message = ansiColorStripper.ReplaceAllString(entry.Message, "")
		_, _ = c.sink.Write([]byte(entry.String()))
	}
}

func severityName(level LogLevel) string {
	if level == LevelWarn {
		return "WARNING"
	}
	return level.String()
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, msg, args...)
	if c.child != nil {
		c.child.Trace(msg, args...)
	}
}

func (c *jsonLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, msg, args...)
	if c.child != nil {
		c.child.Debug(msg, args...)
	}
}

func (c *jsonLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, msg, args...)
	if c.child != nil {
		c.child.Info(msg, args...)
	}
}

func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, msg, args...)
	if c.child != nil {
		c.child.Warn(msg, args...)
	}
}

func (c *jsonLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.Error(msg, args...)
	os.Exit(1)
}

func (c *jsonLogger) Stack(next Logger) Logger {
	clone := c.clone()
	clone.child = next
	return clone
}

// NewJSONLogger returns a new Logger instance which writes one JSON document per line to stdout
func NewJSONLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &jsonLogger{logLevel: level, sinkLogLevel: LevelNone, out: os.Stdout, now: time.Now}
}

// NewJSONLoggerWithSink returns a new Logger instance using a sink and suppressing stdout
func NewJSONLoggerWithSink(sink Sink, level LogLevel) SinkLogger {
	return &jsonLogger{logLevel: LevelNone, sink: sink, sinkLogLevel: level, now: time.Now}
}
