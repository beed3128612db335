package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG", LevelInfo))
	assert.Equal(t, LevelWarn, ParseLevel("warning", LevelInfo))
	assert.Equal(t, LevelError, ParseLevel("critical", LevelInfo))
	assert.Equal(t, LevelNone, ParseLevel(" off ", LevelInfo))
	assert.Equal(t, LevelInfo, ParseLevel("loud", LevelInfo))
}

func TestGetLevelFromEnv(t *testing.T) {
	t.Setenv(LevelEnv, "trace")
	assert.Equal(t, LevelTrace, GetLevelFromEnv())
	t.Setenv(LevelEnv, "")
	assert.Equal(t, LevelInfo, GetLevelFromEnv())
}

func TestCopyMetadata(t *testing.T) {
	src := map[string]interface{}{"a": 1}
	out := copyMetadata(src, map[string]interface{}{"b": 2})
	out["c"] = 3
	assert.Len(t, src, 1)
	assert.Len(t, out, 3)
}

func TestOrDefault(t *testing.T) {
	tl := NewTestLogger()
	assert.Same(t, tl, OrDefault(tl))
	assert.NotNil(t, OrDefault(nil))
}
