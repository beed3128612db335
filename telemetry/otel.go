// Package telemetry ships logs and spans to an OTLP/HTTP collector.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/holidaygen/tripcache/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

const exportTimeout = 10 * time.Second

type ShutdownFunc func()

// endpoints derives the log and trace URLs from the collector base URL.
func endpoints(otlpServerURL string) (logURL, traceURL string, insecure bool, err error) {
	u, err := url.Parse(otlpServerURL)
	if err != nil {
		return "", "", false, errors.Wrap(err, "error parsing otlpServerURL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", false, errors.Newf("error parsing otlpServerURL: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/v1/logs"
	logURL = u.String()
	u.Path = "/v1/traces"
	traceURL = u.String()
	return logURL, traceURL, u.Scheme == "http", nil
}

// New builds OTLP log and trace exporters for otlpServerURL, installs the
// tracer provider globally and returns a logger writing to the collector.
// authToken, when set, is sent as a bearer token.
func New(ctx context.Context, otlpServerURL string, authToken string, serviceName string) (logger.Logger, ShutdownFunc, error) {
	logURL, traceURL, insecure, err := endpoints(otlpServerURL)
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(
		ctx,
		resource.WithFromEnv(),      // OTEL_RESOURCE_ATTRIBUTES and OTEL_SERVICE_NAME
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		fmt.Println(err)
	} else if err != nil {
		return nil, nil, errors.Wrap(err, "error creating resource")
	}

	headers := make(map[string]string)
	if authToken != "" {
		headers["Authorization"] = "Bearer " + authToken
	}

	logOpts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(logURL),
		otlploghttp.WithHeaders(headers),
		otlploghttp.WithTimeout(exportTimeout),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(traceURL),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(exportTimeout),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if insecure {
		logOpts = append(logOpts, otlploghttp.WithInsecure())
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}

	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating log exporter")
	}
	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating trace exporter")
	}

	logProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(traceProvider)

	log := logger.NewOtelLogger(logProvider.Logger(serviceName), logger.LevelTrace)

	return log, func() {
		ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		defer cancel()
		_ = traceProvider.Shutdown(ctx)
		_ = logProvider.Shutdown(ctx)
	}, nil
}
