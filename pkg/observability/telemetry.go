// Package observability provides OpenTelemetry-based tracing and metrics
// with backend-agnostic configuration. Exporters are pluggable; when none
// is configured, or when setup fails, the stack degrades to no-op
// providers so the service keeps running without telemetry.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config configures the observability stack
type Config struct {
	// Service metadata
	ServiceName    string
	ServiceVersion string
	Environment    string // dev, staging, prod

	// Tracing
	TraceExporter   sdktrace.SpanExporter // Pluggable exporter (OTLP, stdout, etc)
	TraceSampleRate float64               // 0.0 to 1.0 (1.0 = trace everything)

	// Metrics
	MetricReader sdkmetric.Reader // Pluggable reader (Prometheus, OTLP, stdout, etc)

	// Logging
	Logger *slog.Logger
}

// Telemetry manages the observability stack. Metrics is nil when no
// reader is configured; callers guard their recording sites.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics
	Logger         *slog.Logger

	shutdown func(context.Context) error
}

// Init initializes OpenTelemetry with graceful degradation: a nil
// exporter or reader, or a failed setup, leaves that half of the stack
// on no-op providers instead of failing the service.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry resource: %w", err)
	}

	tel := &Telemetry{
		TracerProvider: tracenoop.NewTracerProvider(),
		MeterProvider:  metricnoop.NewMeterProvider(),
		Logger:         cfg.Logger,
	}

	var shutdownFuncs []func(context.Context) error

	if cfg.TraceExporter != nil {
		tp := setupTracing(res, cfg)
		tel.TracerProvider = tp
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
		otel.SetTracerProvider(tp)
		cfg.Logger.Info("tracing initialized", "service", cfg.ServiceName)
	} else {
		cfg.Logger.Info("tracing disabled (no exporter configured)")
	}

	if cfg.MetricReader != nil {
		mp, metrics, err := setupMetrics(res, cfg)
		if err != nil {
			cfg.Logger.Warn("metrics setup failed, continuing without metrics", "error", err)
		} else {
			tel.MeterProvider = mp
			tel.Metrics = metrics
			shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
			otel.SetMeterProvider(mp)
			cfg.Logger.Info("metrics initialized", "service", cfg.ServiceName)
		}
	} else {
		cfg.Logger.Info("metrics disabled (no reader configured)")
	}

	// W3C Trace Context propagation
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	tel.shutdown = func(ctx context.Context) error {
		var errs []error
		for _, shutdown := range shutdownFuncs {
			if err := shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("telemetry shutdown errors: %v", errs)
		}
		return nil
	}

	return tel, nil
}

// setupTracing creates a TracerProvider with the configured exporter
func setupTracing(res *resource.Resource, cfg Config) *sdktrace.TracerProvider {
	var sampler sdktrace.Sampler
	if cfg.TraceSampleRate <= 0 {
		sampler = sdktrace.NeverSample()
	} else if cfg.TraceSampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(cfg.TraceSampleRate)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(cfg.TraceExporter),
		sdktrace.WithSampler(sampler),
	)
}

// setupMetrics creates a MeterProvider and the service instrument set
func setupMetrics(res *resource.Resource, cfg Config) (*sdkmetric.MeterProvider, *Metrics, error) {
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(cfg.MetricReader),
	)

	meter := mp.Meter("userservice")
	metrics, err := NewMetrics(meter)
	if err != nil {
		// Release the reader registration before discarding the provider.
		_ = mp.Shutdown(context.Background())
		return nil, nil, err
	}

	return mp, metrics, nil
}

// Shutdown gracefully shuts down the telemetry stack
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.shutdown != nil {
		t.Logger.Info("shutting down observability")
		return t.shutdown(ctx)
	}
	return nil
}

// Tracer returns a tracer for the given name
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider.Tracer(name)
}

// Meter returns a meter for the given name
func (t *Telemetry) Meter(name string) metric.Meter {
	return t.MeterProvider.Meter(name)
}
