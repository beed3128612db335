package env

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/holidaygen/tripcache/logger"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvFile(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "test.env")
	content := `
OPENAI_API_KEY=sk-abc
REDIS_URL="redis://localhost:6379/0"
CACHE_TTL='3600'
# a comment
export APP_NAME=Holiday Destinations
`
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0644))

	got, err := ParseEnvFile(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, []EnvLine{
		{Key: "OPENAI_API_KEY", Val: "sk-abc"},
		{Key: "REDIS_URL", Val: "redis://localhost:6379/0"},
		{Key: "CACHE_TTL", Val: "3600"},
		{Key: "APP_NAME", Val: "Holiday Destinations"},
	}, got)

	t.Run("non-existent file", func(t *testing.T) {
		got, err := ParseEnvFile(filepath.Join(t.TempDir(), "nonexistent.env"))
		assert.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestProcessEnvLine(t *testing.T) {
	tests := []struct {
		line     string
		expected EnvLine
	}{
		{"KEY=value", EnvLine{Key: "KEY", Val: "value"}},
		{`KEY="value"`, EnvLine{Key: "KEY", Val: "value"}},
		{"KEY='value'", EnvLine{Key: "KEY", Val: "value"}},
		{"KEY=a=b", EnvLine{Key: "KEY", Val: "a=b"}},
		{`KEY="mismatched'`, EnvLine{Key: "KEY", Val: `"mismatched'`}},
		{"export KEY = spaced ", EnvLine{Key: "KEY", Val: "spaced"}},
		{"NOVALUE", EnvLine{Key: "NOVALUE"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, ProcessEnvLine(tt.line), tt.line)
	}
}

func TestInterpolation(t *testing.T) {
	t.Setenv("TRIPCACHE_TEST_HOST", "cache.internal")
	got, err := ParseEnvBuffer([]byte(`
HOST=localhost
REDIS_URL=redis://${HOST}:${PORT:-6379}/0
LATER=${DEFINED_BELOW}
DEFINED_BELOW=yes
FROM_OS=${env:TRIPCACHE_TEST_HOST}
MISSING=${NOPE}
EMPTY=${}
UNCLOSED=${HOST
`))
	require.NoError(t, err)
	vals := map[string]string{}
	for _, el := range got {
		vals[el.Key] = el.Val
	}
	assert.Equal(t, "redis://localhost:6379/0", vals["REDIS_URL"])
	assert.Equal(t, "yes", vals["LATER"])
	assert.Equal(t, "cache.internal", vals["FROM_OS"])
	assert.Equal(t, "${NOPE}", vals["MISSING"])
	assert.Equal(t, "${}", vals["EMPTY"])
	assert.Equal(t, "${HOST", vals["UNCLOSED"])
}

func TestApply(t *testing.T) {
	t.Setenv("TRIPCACHE_TEST_KEEP", "original")
	t.Setenv("TRIPCACHE_TEST_NEW", "")
	os.Unsetenv("TRIPCACHE_TEST_NEW")

	set, err := Apply([]EnvLine{
		{Key: "TRIPCACHE_TEST_KEEP", Val: "from-file"},
		{Key: "TRIPCACHE_TEST_NEW", Val: "from-file"},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"TRIPCACHE_TEST_NEW"}, set)
	assert.Equal(t, "original", os.Getenv("TRIPCACHE_TEST_KEEP"))
	assert.Equal(t, "from-file", os.Getenv("TRIPCACHE_TEST_NEW"))

	_, err = Apply([]EnvLine{{Key: "TRIPCACHE_TEST_KEEP", Val: "forced"}}, true)
	require.NoError(t, err)
	assert.Equal(t, "forced", os.Getenv("TRIPCACHE_TEST_KEEP"))
}

func TestLoadFile(t *testing.T) {
	t.Setenv("TRIPCACHE_TEST_LOADED", "")
	os.Unsetenv("TRIPCACHE_TEST_LOADED")
	fn := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(fn, []byte("TRIPCACHE_TEST_LOADED=1\n"), 0600))
	require.NoError(t, LoadFile(fn))
	assert.Equal(t, "1", os.Getenv("TRIPCACHE_TEST_LOADED"))
	assert.NoError(t, LoadFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestFlagOrEnv(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("test-flag", "", "Test flag")

	cmd.Flags().Set("test-flag", "flag-value")
	assert.Equal(t, "flag-value", FlagOrEnv(cmd, "test-flag", "TRIPCACHE_TEST_ENV", "default"))

	cmd.Flags().Set("test-flag", "")
	t.Setenv("TRIPCACHE_TEST_ENV", "env-value")
	assert.Equal(t, "env-value", FlagOrEnv(cmd, "test-flag", "TRIPCACHE_TEST_ENV", "default"))

	os.Unsetenv("TRIPCACHE_TEST_ENV")
	assert.Equal(t, "default", FlagOrEnv(cmd, "test-flag", "TRIPCACHE_TEST_ENV", "default"))

	// an undefined flag falls through to the environment
	assert.Equal(t, "default", FlagOrEnv(cmd, "no-such-flag", "TRIPCACHE_TEST_ENV", "default"))
}

func TestLogLevel(t *testing.T) {
	testCases := []struct {
		name      string
		flagValue string
		envValue  string
		fallback  string
		expected  logger.LogLevel
	}{
		{"debug level via flag", "debug", "", "", logger.LevelDebug},
		{"debug level via env", "", "DEBUG", "", logger.LevelDebug},
		{"warning level via env", "", "WARNING", "", logger.LevelWarn},
		{"flag beats env", "error", "TRACE", "", logger.LevelError},
		{"config fallback", "", "", "trace", logger.LevelTrace},
		{"default level", "", "", "", logger.LevelInfo},
		{"garbage", "loud", "", "", logger.LevelInfo},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "test"}
			cmd.Flags().String("log-level", "", "Log level")
			if tc.flagValue != "" {
				cmd.Flags().Set("log-level", tc.flagValue)
			}
			t.Setenv(logger.LevelEnv, tc.envValue)
			assert.Equal(t, tc.expected, LogLevel(cmd, tc.fallback))
		})
	}
}

func TestNewTelemetryDisabled(t *testing.T) {
	t.Setenv("TRIPCACHE_OTLP_URL", "")
	base := logger.NewTestLogger()

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().Bool("no-telemetry", false, "")
	log, shutdown, err := NewTelemetry(context.Background(), cmd, base, "tripcache", "", "")
	require.NoError(t, err)
	assert.Same(t, base, log)
	shutdown()

	cmd.Flags().Set("no-telemetry", "true")
	log, shutdown, err = NewTelemetry(context.Background(), cmd, base, "tripcache", "http://localhost:4318", "")
	require.NoError(t, err)
	assert.Same(t, base, log)
	shutdown()
}
