package tracing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nikhilgarg28/delegate/internal/core/tracing"
)

func TestDefaultConfigDisabled(t *testing.T) {
	cfg := tracing.DefaultConfig()
	require.False(t, cfg.Enabled)
	require.Equal(t, "none", cfg.Exporter)
}

func TestNewProviderDisabledReturnsUsableNoopTracer(t *testing.T) {
	p, err := tracing.NewProvider(tracing.Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	ctx, span := p.Tracer().Start(context.Background(), "test-span")
	require.NotNil(t, ctx)
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderEnabledWithStdoutExporter(t *testing.T) {
	p, err := tracing.NewProvider(tracing.Config{Enabled: true, Exporter: "stdout", ServiceName: "test"})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	_, span := p.Tracer().Start(context.Background(), "test-span")
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderRejectsUnknownExporter(t *testing.T) {
	_, err := tracing.NewProvider(tracing.Config{Enabled: true, Exporter: "otlp"})
	require.Error(t, err)
}
