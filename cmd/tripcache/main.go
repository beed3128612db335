package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/holidaygen/tripcache/resilience"
	"github.com/holidaygen/tripcache/tui"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		tui.ShowError(os.Stderr, "%s", errorMessage(err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tripcache",
		Short:         "Generate themed holiday destinations through a layered cache",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to a YAML config file (default $TRIPCACHE_CONFIG)")
	flags.String("env-file", ".env", "dotenv file loaded before the config")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error or none")
	flags.String("log-format", "", "log format: console or json")
	flags.Bool("no-telemetry", false, "disable OTLP export even when configured")
	flags.String("otlp-url", "", "OTLP/HTTP collector url")
	flags.String("otlp-token", "", "bearer token for the OTLP collector")

	root.AddCommand(
		newGenerateCmd(),
		newCacheCmd(),
		newHealthCmd(),
	)
	return root
}

// errorMessage is what the user sees for err: the friendly message of a
// failed generation, otherwise the error text.
func errorMessage(err error) string {
	if cf, ok := resilience.AsComputeFailed(err); ok {
		return cf.UserMessage()
	}
	return err.Error()
}
