// Package env reads dotenv files into the process environment and resolves
// the command line settings shared by every tripcache command.
package env

import (
	"context"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/holidaygen/tripcache/logger"
	"github.com/holidaygen/tripcache/telemetry"
	"github.com/spf13/cobra"
)

// EnvLine is one KEY=value assignment.
type EnvLine struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// ParseEnvFile parses a dotenv file. A missing file yields no lines.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	buf, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return []EnvLine{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", filename)
	}
	return ParseEnvBuffer(buf)
}

func dequote(v string) string {
	if len(v) >= 2 && (v[0] == '\'' || v[0] == '"') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// ProcessEnvLine splits "KEY=value", dropping an optional "export " prefix
// and one level of matching quotes around the value.
func ProcessEnvLine(line string) EnvLine {
	line = strings.TrimPrefix(line, "export ")
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return EnvLine{Key: strings.TrimSpace(line)}
	}
	return EnvLine{Key: strings.TrimSpace(key), Val: dequote(strings.TrimSpace(val))}
}

// interpolate replaces ${NAME} and ${NAME:-default} with values from vars.
// ${env:NAME} reads the process environment instead. Unresolved references
// without a default are kept verbatim.
func interpolate(input string, vars map[string]string) string {
	if !strings.Contains(input, "${") {
		return input
	}
	var out strings.Builder
	rest := input
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			out.WriteString(rest)
			return out.String()
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			out.WriteString(rest)
			return out.String()
		}
		end += start
		out.WriteString(rest[:start])
		ref := rest[start : end+1]
		name, def, _ := strings.Cut(rest[start+2:end], ":-")

		var val string
		if envName, ok := strings.CutPrefix(name, "env:"); ok {
			val = os.Getenv(envName)
		} else {
			val = vars[name]
		}
		switch {
		case name == "":
			out.WriteString(ref)
		case val != "":
			out.WriteString(val)
		case def != "":
			out.WriteString(def)
		default:
			out.WriteString(ref)
		}
		rest = rest[end+1:]
	}
}

// ParseEnvBuffer parses dotenv content. Values may reference keys defined
// anywhere in the buffer.
func ParseEnvBuffer(buf []byte) ([]EnvLine, error) {
	envs := []EnvLine{}
	vars := map[string]string{}
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		el := ProcessEnvLine(line)
		if el.Key == "" {
			continue
		}
		el.Val = interpolate(el.Val, vars)
		vars[el.Key] = el.Val
		envs = append(envs, el)
	}
	// forward references
	for i := range envs {
		envs[i].Val = interpolate(envs[i].Val, vars)
	}
	return envs, nil
}

// Apply sets every line in the process environment. Variables that are
// already set win unless override is true. It returns the keys it set.
func Apply(envs []EnvLine, override bool) ([]string, error) {
	var set []string
	for _, el := range envs {
		if _, exists := os.LookupEnv(el.Key); exists && !override {
			continue
		}
		if err := os.Setenv(el.Key, el.Val); err != nil {
			return set, errors.Wrapf(err, "setting %s", el.Key)
		}
		set = append(set, el.Key)
	}
	return set, nil
}

// LoadFile parses filename and applies it without overriding the environment.
func LoadFile(filename string) error {
	envs, err := ParseEnvFile(filename)
	if err != nil {
		return err
	}
	_, err = Apply(envs, false)
	return err
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	if flagValue, _ := cmd.Flags().GetString(flagName); flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	return defaultValue
}

// LogLevel resolves --log-level, then TRIPCACHE_LOG_LEVEL, then fallback.
func LogLevel(cmd *cobra.Command, fallback string) logger.LogLevel {
	return logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.LevelEnv, fallback), logger.LevelInfo)
}

// NewLogger returns a console logger, or a JSON one when --log-format (or
// TRIPCACHE_LOG_FORMAT) is "json". Level and format fall back to the given
// defaults, usually from the loaded config.
func NewLogger(cmd *cobra.Command, level, format string) logger.Logger {
	lvl := LogLevel(cmd, level)
	if strings.EqualFold(FlagOrEnv(cmd, "log-format", "TRIPCACHE_LOG_FORMAT", format), "json") {
		return logger.NewJSONLogger(lvl)
	}
	return logger.NewConsoleLogger(lvl)
}

// NewTelemetry returns a logger that also ships to an OTLP collector and its
// shutdown function. The cobra flags it reads are:
//
// --no-telemetry (boolean): if set, telemetry will be disabled
//
// --otlp-url (string): the url of the otlp server, defaulting to otlpURL
//
// --otlp-token (string): bearer token for the otlp server, defaulting to token
//
// Without a URL telemetry is off and base is returned unchanged.
func NewTelemetry(ctx context.Context, cmd *cobra.Command, base logger.Logger, serviceName, otlpURL, token string) (logger.Logger, telemetry.ShutdownFunc, error) {
	if noTelemetry, err := cmd.Flags().GetBool("no-telemetry"); err == nil && noTelemetry {
		return base, func() {}, nil
	}
	otlpURL = FlagOrEnv(cmd, "otlp-url", "TRIPCACHE_OTLP_URL", otlpURL)
	token = FlagOrEnv(cmd, "otlp-token", "TRIPCACHE_OTLP_TOKEN", token)
	if otlpURL == "" {
		return base, func() {}, nil
	}
	otelLogger, shutdown, err := telemetry.New(ctx, otlpURL, token, serviceName)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating telemetry")
	}
	return base.Stack(otelLogger), shutdown, nil
}
