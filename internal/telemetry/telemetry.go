// Package telemetry sets up OpenTelemetry tracing for the connector and names
// the span attributes shared by its components.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/smallbiznis/xpm-connect/internal/config"
)

const (
	instrumentationName = "github.com/smallbiznis/xpm-connect"
	serviceNamespace    = "xero-integration"
	exporterInitTimeout = 10 * time.Second
)

// Provider owns the process tracer provider.
type Provider struct {
	tp  trace.TracerProvider
	sdk *sdktrace.TracerProvider
}

// Tracer returns a tracer for one component, e.g. "xpm" or "oauth".
func (p *Provider) Tracer(component string) trace.Tracer {
	if p == nil || p.tp == nil {
		return Tracer(component)
	}
	return p.tp.Tracer(tracerName(component))
}

// Tracer returns a component tracer from the global provider.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(tracerName(component))
}

func tracerName(component string) string {
	if component == "" {
		return instrumentationName
	}
	return instrumentationName + "/" + component
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.sdk != nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

// New installs the global tracer provider. Without an OTLP endpoint spans are
// dropped by a noop provider; trace context is still propagated.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.L()
	}
	if cfg.TelemetryEndpoint == "" {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		return &Provider{tp: tp}, nil
	}

	initCtx, cancel := context.WithTimeout(ctx, exporterInitTimeout)
	defer cancel()

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.TelemetryEndpoint)}
	if cfg.TelemetryInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(initCtx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := serviceResource(initCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.TelemetrySampleRatio)),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry enabled",
		zap.String("endpoint", cfg.TelemetryEndpoint),
		zap.Float64("sample_ratio", cfg.TelemetrySampleRatio),
	)
	return &Provider{tp: tp, sdk: tp}, nil
}

// serviceResource describes this deployment and the Xero API it fronts.
func serviceResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	attrs := []resource.Option{
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceNamespace(serviceNamespace),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	}
	if u, err := url.Parse(cfg.XeroAPIBaseURL); err == nil && u.Host != "" {
		attrs = append(attrs, resource.WithAttributes(XeroAPIHost.String(u.Host)))
	}
	return resource.New(ctx, attrs...)
}

// sampler samples root spans at ratio, clamped to [0, 1], and follows the
// parent's decision otherwise.
func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio < 0:
		ratio = 0
	case ratio > 1:
		ratio = 1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
