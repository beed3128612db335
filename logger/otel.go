package logger

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/log"
)

// otelLogger emits records through an OpenTelemetry log.Logger
type otelLogger struct {
	prefixes   []string
	metadata   map[string]log.Value
	logLevel   LogLevel
	otelLogger log.Logger
	context    context.Context
	child      Logger
}

var _ Logger = (*otelLogger)(nil)

var otelSeverities = map[LogLevel]log.Severity{
	LevelTrace: log.SeverityTrace,
	LevelDebug: log.SeverityDebug,
	LevelInfo:  log.SeverityInfo,
	LevelWarn:  log.SeverityWarn,
	LevelError: log.SeverityError,
}

func (o *otelLogger) clone() *otelLogger {
	metadata := make(map[string]log.Value, len(o.metadata))
	for k, v := range o.metadata {
		metadata[k] = v
	}
	return &otelLogger{
		prefixes:   slices.Clone(o.prefixes),
		metadata:   metadata,
		logLevel:   o.logLevel,
		otelLogger: o.otelLogger,
		context:    o.context,
		child:      o.child,
	}
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (o *otelLogger) WithPrefix(prefix string) Logger {
	clone := o.clone()
	if !slices.Contains(clone.prefixes, prefix) {
		clone.prefixes = append(clone.prefixes, prefix)
	}
	if clone.child != nil {
		clone.child = clone.child.WithPrefix(prefix)
	}
	return clone
}

// WithContext binds ctx to emitted records so span correlation survives
func (o *otelLogger) WithContext(ctx context.Context) Logger {
	clone := o.clone()
	clone.context = ctx
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

func (o *otelLogger) Stack(next Logger) Logger {
	clone := o.clone()
	clone.child = next
	return clone
}

func toLogValue(unknown interface{}) log.Value {
	switch v := unknown.(type) {
	case string:
		return log.StringValue(v)
	case int:
		return log.IntValue(v)
	case int64:
		return log.Int64Value(v)
	case bool:
		return log.BoolValue(v)
	case float64:
		return log.Float64Value(v)
	case time.Duration:
		return log.StringValue(v.String())
	case []byte:
		return log.BytesValue(v)
	case error:
		return log.StringValue(v.Error())
	case []interface{}:
		values := make([]log.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return log.SliceValue(values...)
	case map[string]interface{}:
		values := make([]log.KeyValue, 0, len(v))
		for key, item := range v {
			values = append(values, log.KeyValue{Key: key, Value: toLogValue(item)})
		}
		return log.MapValue(values...)
	default:
		return log.StringValue(fmt.Sprintf("%v", v))
	}
}

// With will return a new logger using metadata as the base context
func (o *otelLogger) With(metadata map[string]interface{}) Logger {
	clone := o.clone()
	for k, v := range metadata {
		clone.metadata[k] = toLogValue(v)
	}
	if clone.child != nil {
		clone.child = clone.child.With(metadata)
	}
	return clone
}

func (o *otelLogger) log(level LogLevel, msg string, args ...interface{}) {
	if level < o.logLevel {
		return
	}
	text := msg
	if len(args) > 0 {
		text = fmt.Sprintf(msg, args...)
	}
	if len(o.prefixes) > 0 {
		text = strings.Join(o.prefixes, " ") + " " + text
	}
	severity := otelSeverities[level]
	now := time.Now()

	var record log.Record
	record.SetBody(log.StringValue(text))
	record.SetSeverity(severity)
	record.SetSeverityText(severity.String())
	record.SetObservedTimestamp(now)
	record.SetTimestamp(now)
	for k, v := range o.metadata {
		record.AddAttributes(log.KeyValue{Key: k, Value: v})
	}
	ctx := o.context
	if ctx == nil {
		ctx = context.Background()
	}
	o.otelLogger.Emit(ctx, record)
}

func (o *otelLogger) Trace(msg string, args ...interface{}) {
	o.log(LevelTrace, msg, args...)
	if o.child != nil {
		o.child.Trace(msg, args...)
	}
}

func (o *otelLogger) Debug(msg string, args ...interface{}) {
	o.log(LevelDebug, msg, args...)
	if o.child != nil {
		o.child.Debug(msg, args...)
	}
}

func (o *otelLogger) Info(msg string, args ...interface{}) {
	o.log(LevelInfo, msg, args...)
	if o.child != nil {
		o.child.Info(msg, args...)
	}
}

func (o *otelLogger) Warn(msg string, args ...interface{}) {
	o.log(LevelWarn, msg, args...)
	if o.child != nil {
		o.child.Warn(msg, args...)
	}
}

func (o *otelLogger) Error(msg string, args ...interface{}) {
	o.log(LevelError, msg, args...)
	if o.child != nil {
		o.child.Error(msg, args...)
	}
}

func (o *otelLogger) Fatal(msg string, args ...interface{}) {
	o.Error(msg, args...)
	os.Exit(1)
}

// NewOtelLogger returns a Logger that emits records at or above level to l
func NewOtelLogger(l log.Logger, level LogLevel) Logger {
	return &otelLogger{
		otelLogger: l,
		logLevel:   level,
		metadata:   map[string]log.Value{},
		context:    context.Background(),
	}
}
