// Package otel provides OpenTelemetry tracer provider initialization and management.
package otel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mrzor/activity-monitor/internal/config"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// logProxyConfig reports the proxy settings the HTTP exporter will honor.
func logProxyConfig() {
	httpProxy := os.Getenv("HTTP_PROXY")
	if httpProxy == "" {
		httpProxy = os.Getenv("http_proxy")
	}
	httpsProxy := os.Getenv("HTTPS_PROXY")
	if httpsProxy == "" {
		httpsProxy = os.Getenv("https_proxy")
	}

	if httpProxy != "" || httpsProxy != "" {
		slog.Debug("proxy configuration", "http_proxy", httpProxy, "https_proxy", httpsProxy)
	} else {
		slog.Debug("no proxy configured")
	}
}

// Resource builds the service resource from cfg.
func Resource(ctx context.Context, cfg config.Telemetry, version string) (*resource.Resource, error) {
	resourceAttrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
	}

	customAttrs := cfg.ResourceAttributes()
	if len(customAttrs) > 0 {
		resourceAttrs = append(resourceAttrs, resource.WithAttributes(customAttrs...))
	}

	res, err := resource.New(ctx, resourceAttrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// InitProvider initializes a tracer provider exporting to the configured
// OTLP/HTTP endpoint. It returns nil when no endpoint is configured.
//
// A bare host:port endpoint is exported to over plain HTTP; a URL endpoint
// selects its own scheme and path. The HTTP client honors HTTP_PROXY,
// HTTPS_PROXY and NO_PROXY through Go's standard net/http transport.
func InitProvider(cfg config.Telemetry, version string) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	endpoint := cfg.TraceEndpoint()
	slog.Info("OTEL configuration",
		"service_name", cfg.ServiceName,
		"endpoint", endpoint,
		"resource_attributes", cfg.Attributes,
	)
	logProxyConfig()

	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(10 * time.Second)}
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := Resource(ctx, cfg, version)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// ShutdownProvider gracefully shuts down the tracer provider, flushing any remaining spans.
func ShutdownProvider(tp *sdktrace.TracerProvider, ctx context.Context) error {
	if tp == nil {
		return nil
	}

	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	return nil
}
