package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dune/merge-utils/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	tel := New(context.Background(), config.Default().Telemetry, "test", nil)
	require.NotNil(t, tel)

	assert.False(t, tel.Enabled())
	assert.False(t, tel.Degraded())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_Enabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	cfg := config.Default().Telemetry
	cfg.Enabled = true
	cfg.Protocol = "http/protobuf"
	cfg.Endpoint = "http://localhost:4318"

	// Exporters connect lazily, so setup succeeds without a collector.
	tel := New(context.Background(), cfg, "test", nil)
	assert.True(t, tel.Enabled())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = tel.Shutdown(ctx)
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Enabled()
		_ = tel.Degraded()
		_ = tel.Shutdown(context.Background())
	})
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()
	defer tt.Install()()

	_, span := otel.Tracer("test").Start(context.Background(), "metacat.query")
	span.SetAttributes(attribute.Int("files", 3))
	span.End()

	tt.AssertSpanExists(t, "metacat.query")
	tt.AssertSpanAttribute(t, "metacat.query", "files", int64(3))
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, newSampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, newSampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, newSampler(0.5).Description(), "TraceIDRatioBased")
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
