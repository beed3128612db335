// Package config loads tripcache settings from defaults, a dotenv file, an
// optional YAML file and the environment, in that order.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	dotenv "github.com/holidaygen/tripcache/env"
	"gopkg.in/yaml.v3"
)

// Disk engines.
const (
	EngineFiles  = "files"
	EngineSQLite = "sqlite"
	EngineBolt   = "bolt"
)

type App struct {
	Name        string `yaml:"name" env:"APP_NAME" validate:"required"`
	Version     string `yaml:"version" env:"APP_VERSION"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

type OpenAI struct {
	APIKey         string   `yaml:"api_key" env:"OPENAI_API_KEY"`
	BaseURL        string   `yaml:"base_url" env:"OPENAI_BASE_URL" validate:"required,url"`
	Model          string   `yaml:"model" env:"OPENAI_MODEL" validate:"required"`
	FineTunedModel string   `yaml:"fine_tuned_model" env:"FINE_TUNED_MODEL_ID"`
	UseFineTuned   bool     `yaml:"use_fine_tuned" env:"USE_FINE_TUNED_MODEL"`
	Temperature    float64  `yaml:"temperature" env:"OPENAI_TEMPERATURE" validate:"gte=0,lte=2"`
	Timeout        Duration `yaml:"timeout" env:"API_TIMEOUT" validate:"gt=0"`
	// APIKeyFile is read when no key is set.
	APIKeyFile string `yaml:"api_key_file" env:"OPENAI_API_KEY_FILE"`
}

type Cache struct {
	Enabled      bool     `yaml:"enabled" env:"ENABLE_CACHING"`
	TTL          Duration `yaml:"ttl" env:"CACHE_TTL" validate:"gt=0"`
	MaxTTL       Duration `yaml:"max_ttl" env:"TRIPCACHE_CACHE_MAX_TTL" validate:"gt=0"`
	SingleFlight bool     `yaml:"single_flight" env:"TRIPCACHE_SINGLE_FLIGHT"`
	Namespace    string   `yaml:"namespace" env:"TRIPCACHE_NAMESPACE"`
}

type Remote struct {
	// URL is a redis:// or rediss:// URL, "memory://" for a process local
	// store, or empty to run disk only.
	URL      string   `yaml:"url" env:"REDIS_URL"`
	Prefix   string   `yaml:"prefix" env:"TRIPCACHE_REDIS_PREFIX" validate:"required"`
	Timeout  Duration `yaml:"timeout" env:"TRIPCACHE_REDIS_TIMEOUT" validate:"gt=0"`
	Cooldown Duration `yaml:"cooldown" env:"TRIPCACHE_REDIS_COOLDOWN" validate:"gte=0"`
}

type Disk struct {
	Engine  string   `yaml:"engine" env:"TRIPCACHE_DISK_ENGINE" validate:"oneof=files sqlite bolt"`
	Dir     string   `yaml:"dir" env:"TRIPCACHE_DISK_DIR" validate:"required"`
	Timeout Duration `yaml:"timeout" env:"TRIPCACHE_DISK_TIMEOUT" validate:"gt=0"`
}

type Retry struct {
	MaxRetries     int      `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=0,lte=10"`
	InitialBackoff Duration `yaml:"initial_backoff" env:"RETRY_DELAY" validate:"gte=0"`
	MaxBackoff     Duration `yaml:"max_backoff" env:"TRIPCACHE_RETRY_MAX_BACKOFF" validate:"gte=0"`
	Multiplier     float64  `yaml:"multiplier" env:"TRIPCACHE_RETRY_MULTIPLIER" validate:"gte=1"`
	Jitter         bool     `yaml:"jitter" env:"TRIPCACHE_RETRY_JITTER"`
	AttemptTimeout Duration `yaml:"attempt_timeout" env:"TRIPCACHE_RETRY_ATTEMPT_TIMEOUT" validate:"gte=0"`
}

type Telemetry struct {
	OTLPURL     string `yaml:"otlp_url" env:"TRIPCACHE_OTLP_URL" validate:"omitempty,url"`
	AuthToken   string `yaml:"auth_token" env:"TRIPCACHE_OTLP_TOKEN"`
	ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
}

type Log struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" validate:"oneof=trace debug info warn warning error critical none TRACE DEBUG INFO WARN WARNING ERROR CRITICAL NONE"`
	Format string `yaml:"format" env:"TRIPCACHE_LOG_FORMAT" validate:"oneof=console json"`
}

// Config is the complete tripcache configuration.
type Config struct {
	App       App       `yaml:"app"`
	OpenAI    OpenAI    `yaml:"openai"`
	Cache     Cache     `yaml:"cache"`
	Remote    Remote    `yaml:"remote"`
	Disk      Disk      `yaml:"disk"`
	Retry     Retry     `yaml:"retry"`
	Telemetry Telemetry `yaml:"telemetry"`
	Log       Log       `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		App: App{
			Name:        "Holiday Destinations Generator",
			Version:     "2.0.0",
			Environment: "development",
		},
		OpenAI: OpenAI{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-3.5-turbo",
			Temperature: 0.6,
			Timeout:     Duration(30 * time.Second),
			APIKeyFile:  "api_key.txt",
		},
		Cache: Cache{
			Enabled:      true,
			TTL:          Duration(time.Hour),
			MaxTTL:       Duration(7 * 24 * time.Hour),
			SingleFlight: true,
		},
		Remote: Remote{
			URL:      "redis://localhost:6379/0",
			Prefix:   "tripcache",
			Timeout:  Duration(500 * time.Millisecond),
			Cooldown: Duration(5 * time.Second),
		},
		Disk: Disk{
			Engine:  EngineFiles,
			Dir:     defaultDiskDir(),
			Timeout: Duration(5 * time.Second),
		},
		Retry: Retry{
			MaxRetries:     3,
			InitialBackoff: Duration(2 * time.Second),
			MaxBackoff:     Duration(30 * time.Second),
			Multiplier:     2,
			Jitter:         true,
		},
		Telemetry: Telemetry{
			ServiceName: "tripcache",
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultDiskDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "tripcache")
	}
	return filepath.Join(os.TempDir(), "tripcache")
}

// EffectiveModel is the fine-tuned model when it is enabled and set,
// otherwise the base model.
func (c Config) EffectiveModel() string {
	if c.OpenAI.UseFineTuned && c.OpenAI.FineTunedModel != "" {
		return c.OpenAI.FineTunedModel
	}
	return c.OpenAI.Model
}

// Options controls where Load looks.
type Options struct {
	// EnvFile is a dotenv file applied to the process environment without
	// overriding it. Defaults to ".env"; a missing file is ignored.
	EnvFile string
	// Path is an optional YAML file. When empty TRIPCACHE_CONFIG is consulted.
	Path string
}

// Load builds a Config from defaults, the dotenv file, the YAML file and the
// environment, then validates it.
func Load(opts Options) (Config, error) {
	cfg := Default()

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := dotenv.LoadFile(envFile); err != nil {
		return cfg, errors.Wrap(err, "loading env file")
	}

	path := opts.Path
	if path == "" {
		path = os.Getenv("TRIPCACHE_CONFIG")
	}
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing environment")
	}

	if cfg.OpenAI.APIKey == "" && cfg.OpenAI.APIKeyFile != "" {
		key, err := readKeyFile(cfg.OpenAI.APIKeyFile)
		if err != nil {
			return cfg, err
		}
		cfg.OpenAI.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading config %s", path)
	}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(buf))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return errors.Wrapf(err, "parsing config %s", path)
	}
	return nil
}

func readKeyFile(path string) (string, error) {
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "reading api key file %s", path)
	}
	return strings.TrimSpace(string(buf)), nil
}

// Validate checks field bounds and the relations between fields. A missing
// API key is not an error here; requests fail with a permanent error instead.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return errors.Newf("invalid config: retry.max_backoff %s is below retry.initial_backoff %s", c.Retry.MaxBackoff, c.Retry.InitialBackoff)
	}
	if c.Cache.MaxTTL < c.Cache.TTL {
		return errors.Newf("invalid config: cache.max_ttl %s is below cache.ttl %s", c.Cache.MaxTTL, c.Cache.TTL)
	}
	if c.Remote.URL != "" && c.Remote.URL != "memory://" &&
		!strings.HasPrefix(c.Remote.URL, "redis://") && !strings.HasPrefix(c.Remote.URL, "rediss://") {
		return errors.Newf("invalid config: remote.url %q must be redis://, rediss:// or memory://", c.Remote.URL)
	}
	return nil
}
