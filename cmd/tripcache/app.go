package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/holidaygen/tripcache/cache"
	"github.com/holidaygen/tripcache/config"
	"github.com/holidaygen/tripcache/destination"
	"github.com/holidaygen/tripcache/env"
	"github.com/holidaygen/tripcache/llm"
	"github.com/holidaygen/tripcache/logger"
	"github.com/holidaygen/tripcache/resilience"
	"github.com/holidaygen/tripcache/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// app holds everything a command needs, built from the loaded config.
type app struct {
	cfg      config.Config
	log      logger.Logger
	facade   *cache.Facade
	service  *destination.Service
	shutdown telemetry.ShutdownFunc
}

func newApp(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(config.Options{EnvFile: envFile, Path: configPath})
	if err != nil {
		return nil, err
	}

	log := env.NewLogger(cmd, cfg.Log.Level, cfg.Log.Format)
	log, shutdown, err := env.NewTelemetry(cmd.Context(), cmd, log, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPURL, cfg.Telemetry.AuthToken)
	if err != nil {
		return nil, err
	}

	log.Debug("config: %s", cfg.Summary())

	facade, err := newFacade(cfg, log)
	if err != nil {
		shutdown()
		return nil, err
	}

	exec, err := resilience.NewExecutor(resilience.RetryConfig{
		MaxRetries:        cfg.Retry.MaxRetries,
		InitialBackoff:    cfg.Retry.InitialBackoff.Std(),
		MaxBackoff:        cfg.Retry.MaxBackoff.Std(),
		BackoffMultiplier: cfg.Retry.Multiplier,
		Jitter:            cfg.Retry.Jitter,
		AttemptTimeout:    cfg.Retry.AttemptTimeout.Std(),
	}, resilience.WithLogger(log), resilience.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		_ = facade.Close()
		shutdown()
		return nil, err
	}

	client := llm.NewClient(llm.Config{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.EffectiveModel(),
		Temperature: cfg.OpenAI.Temperature,
		Timeout:     cfg.OpenAI.Timeout.Std(),
		FineTuned:   cfg.EffectiveModel() != cfg.OpenAI.Model,
	}, llm.WithLogger(log))

	service := destination.NewService(client, facade, exec,
		destination.WithLogger(log),
		destination.WithTTL(cfg.Cache.TTL.Std()),
		destination.WithModelInfo(cfg.OpenAI.Model, cfg.EffectiveModel() != cfg.OpenAI.Model),
	)

	return &app{cfg: cfg, log: log, facade: facade, service: service, shutdown: shutdown}, nil
}

// newFacade opens the disk engine and the remote named by cfg.
func newFacade(cfg config.Config, log logger.Logger) (*cache.Facade, error) {
	disk, err := newDisk(cfg.Disk, log)
	if err != nil {
		return nil, err
	}

	prefix := cfg.Remote.Prefix
	if cfg.Cache.Namespace != "" {
		prefix = prefix + ":" + cfg.Cache.Namespace
	}

	var remote cache.Backend
	switch {
	case cfg.Remote.URL == "":
	case cfg.Remote.URL == "memory://":
		remote = cache.NewMemory(cache.WithLogger(log))
	default:
		remote = cache.NewLazyRedis(cfg.Remote.URL,
			cache.WithLogger(log),
			cache.WithPrefix(prefix),
			cache.WithQueryTimeout(cfg.Remote.Timeout.Std()),
			cache.WithCooldown(cfg.Remote.Cooldown.Std()),
		)
	}

	return cache.NewFacade(remote, disk,
		cache.WithLogger(log),
		cache.WithEnabled(cfg.Cache.Enabled),
		cache.WithDefaultTTL(cfg.Cache.TTL.Std()),
		cache.WithMaxTTL(cfg.Cache.MaxTTL.Std()),
		cache.WithSingleFlight(cfg.Cache.SingleFlight),
		cache.WithRegisterer(prometheus.DefaultRegisterer),
	), nil
}

func newDisk(cfg config.Disk, log logger.Logger) (cache.Backend, error) {
	opts := []cache.Option{cache.WithLogger(log), cache.WithQueryTimeout(cfg.Timeout.Std())}
	switch strings.ToLower(cfg.Engine) {
	case config.EngineFiles, "":
		return cache.NewDisk(cfg.Dir, opts...)
	case config.EngineSQLite:
		if err := ensureDir(cfg.Dir); err != nil {
			return nil, err
		}
		return cache.NewSQLite(filepath.Join(cfg.Dir, "cache.db"), opts...)
	case config.EngineBolt:
		if err := ensureDir(cfg.Dir); err != nil {
			return nil, err
		}
		return cache.NewBolt(filepath.Join(cfg.Dir, "cache.bolt"), opts...)
	default:
		return nil, errors.Newf("unknown disk engine %q", cfg.Engine)
	}
}

// Close flushes background cache work and telemetry.
func (a *app) Close() {
	if err := a.facade.Close(); err != nil {
		a.log.Warn("error closing cache: %s", err)
	}
	a.shutdown()
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrapf(err, "creating cache dir %s", dir)
	}
	return nil
}
