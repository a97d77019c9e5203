package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dune/merge-utils/internal/config"
	"github.com/dune/merge-utils/internal/logging"
)

const defaultShutdownTimeout = 5 * time.Second

// Telemetry owns the tracer provider of one run.
type Telemetry struct {
	cfg            config.TelemetryConfig
	tracerProvider *trace.TracerProvider
	logger         *zap.Logger
	degraded       atomic.Bool
}

// New installs an OTLP tracer provider as the global provider when telemetry
// is enabled. Exporter setup errors degrade the instance instead of failing.
func New(ctx context.Context, cfg config.TelemetryConfig, version string, logger *zap.Logger) *Telemetry {
	t := &Telemetry{cfg: cfg, logger: logging.OrNop(logger)}
	if !cfg.Enabled {
		return t
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		t.setDegraded(err)
		return t
	}

	t.tracerProvider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(newResource(cfg, version)),
		trace.WithSampler(newSampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.logger.Debug("Exporting traces", zap.String("endpoint", cfg.Endpoint), zap.String("protocol", cfg.Protocol))
	return t
}

// Tracer returns a tracer from the run's provider, or the global one.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Enabled reports whether spans are being exported.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.tracerProvider != nil && !t.degraded.Load()
}

// Degraded reports whether setup failed.
func (t *Telemetry) Degraded() bool {
	return t != nil && t.degraded.Load()
}

// Shutdown flushes pending spans. Without a deadline on ctx the configured
// shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.tracerProvider == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		timeout := t.cfg.ShutdownTimeout.Duration()
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var errs []error
	if err := t.tracerProvider.ForceFlush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trace flush: %w", err))
	}
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func (t *Telemetry) setDegraded(err error) {
	t.degraded.Store(true)
	t.logger.Warn("Telemetry disabled", zap.Error(err))
}
