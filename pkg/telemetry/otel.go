// Package telemetry installs the global OpenTelemetry providers.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
)

// Config selects which providers to install.
type Config struct {
	Tracing bool
	Metrics bool
}

// Setup installs the propagator and the enabled providers. The returned
// function flushes and shuts them down; it is safe to call when nothing
// was enabled.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error

	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Tracing {
		exporter, err := stdouttrace.New()
		if err != nil {
			return shutdown, errors.Join(err, shutdown(ctx))
		}
		tp := trace.NewTracerProvider(trace.WithBatcher(exporter))
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.Metrics {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return shutdown, errors.Join(err, shutdown(ctx))
		}
		mp := metric.NewMeterProvider(metric.WithReader(metric.NewPeriodicReader(exporter)))
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return shutdown, nil
}
