package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/embedded"
	"go.opentelemetry.io/otel/log/noop"
)

type recordingLogger struct {
	embedded.Logger
	records []log.Record
}

func (r *recordingLogger) Emit(_ context.Context, record log.Record) {
	r.records = append(r.records, record)
}

func (r *recordingLogger) Enabled(context.Context, log.EnabledParameters) bool {
	return true
}

func TestOtelLoggerWithMergesMetadata(t *testing.T) {
	base := NewOtelLogger(noop.NewLoggerProvider().Logger("test"), LevelTrace).With(map[string]interface{}{
		"base_key": "base_value",
		"shared":   "from_base",
	}).(*otelLogger)

	extended := base.With(map[string]interface{}{
		"extra_key": "extra_value",
		"shared":    "from_extended",
	}).(*otelLogger)

	assert.Len(t, extended.metadata, 3)
	assert.Equal(t, "from_extended", extended.metadata["shared"].AsString())
	assert.Equal(t, "from_base", base.metadata["shared"].AsString())
}

func TestOtelLoggerHonorsLevel(t *testing.T) {
	rec := &recordingLogger{}
	l := NewOtelLogger(rec, LevelWarn).WithPrefix("[cache]")
	l.Info("skipped")
	l.Warn("remote %s", "down")
	if assert.Len(t, rec.records, 1) {
		assert.Equal(t, "[cache] remote down", rec.records[0].Body().AsString())
		assert.Equal(t, log.SeverityWarn, rec.records[0].Severity())
	}
}

func TestToLogValue(t *testing.T) {
	assert.Equal(t, log.KindString, toLogValue("x").Kind())
	assert.Equal(t, log.KindInt64, toLogValue(3).Kind())
	assert.Equal(t, log.KindBool, toLogValue(true).Kind())
	assert.Equal(t, log.KindSlice, toLogValue([]interface{}{1, "a"}).Kind())
	assert.Equal(t, log.KindMap, toLogValue(map[string]interface{}{"a": 1}).Kind())
	assert.Equal(t, "{}", toLogValue(struct{}{}).AsString())
}
