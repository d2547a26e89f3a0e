// Package tracing wraps OpenTelemetry for the core's turn and merge spans.
// Grounded on the teacher's internal/orchestration/tracing package, trimmed
// to the two exporters this repo actually ships with: "stdout" for local
// inspection and "none" for a zero-overhead no-op tracer. The teacher's
// otlp and JSONL-file exporters are dropped (see DESIGN.md) since nothing
// in this repo's scope needs a collector or a durable trace log.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the tracing subsystem.
type Config struct {
	Enabled     bool
	Exporter    string // "stdout" or "none" (default)
	ServiceName string
}

// DefaultConfig disables tracing: the daemon runs with a no-op tracer
// unless an operator opts in.
func DefaultConfig() Config {
	return Config{Enabled: false, Exporter: "none", ServiceName: "delegate"}
}

// Provider owns the tracer provider's lifecycle.
type Provider struct {
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds a Provider from cfg. A disabled config returns a
// genuinely no-op tracer (noop.NewTracerProvider) rather than a sampled-out
// real one, so spans cost nothing when tracing is off.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer("noop")}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "delegate"
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "stdout", "":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout span exporter: %w", err)
		}
		exporter = exp
	case "none":
		return &Provider{tracer: noop.NewTracerProvider().Tracer("noop")}, nil
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	sdk := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(sdk)

	return &Provider{sdk: sdk, tracer: sdk.Tracer(serviceName)}, nil
}

// Tracer returns the provider's tracer; safe to call even when tracing is
// disabled since the no-op tracer implements the same interface.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes and releases the underlying SDK provider, a no-op when
// tracing was never enabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}
