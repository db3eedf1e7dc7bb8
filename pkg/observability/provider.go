// Package observability exports invocation traces and metrics with
// OpenTelemetry
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/poltergeist/spectre/pkg/logger"
)

// InstrumentationName names the tracer and meter
const InstrumentationName = "github.com/poltergeist/spectre"

// Config configures the OpenTelemetry providers
type Config struct {
	Enabled        bool
	ServiceVersion string
	// Endpoint is an OTLP gRPC collector address
	Endpoint string
	Insecure bool
	// ExportInterval is how often metrics are pushed
	ExportInterval time.Duration
}

// Provider owns the SDK providers when telemetry is enabled. When it is
// disabled the global (no-op by default) providers are used.
type Provider struct {
	config         Config
	logger         logger.Logger
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// New creates the providers and installs them globally
func New(ctx context.Context, cfg Config, log logger.Logger) (*Provider, error) {
	p := &Provider{config: cfg, logger: log}
	if !cfg.Enabled {
		return p, nil
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = 15 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName("spectre"),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(cfg.ExportInterval),
		)),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info("Telemetry enabled", logger.WithField("endpoint", cfg.Endpoint))
	return p, nil
}

// Instruments creates the engine instruments from the active providers
func (p *Provider) Instruments() (*Instruments, error) {
	return NewInstruments(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// Shutdown flushes and stops the providers
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.Error("Failed to shut down trace provider", logger.WithError(err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.Error("Failed to shut down metric provider", logger.WithError(err))
		}
	}
	return nil
}

// Instruments holds the tracer and metric instruments shared by listeners
type Instruments struct {
	tracer       trace.Tracer
	nodes        metric.Int64Counter
	nodeDuration metric.Float64Histogram
	invocations  metric.Int64Counter
	active       metric.Int64UpDownCounter
}

// NewInstruments creates instruments from explicit providers
func NewInstruments(tp trace.TracerProvider, mp metric.MeterProvider) (*Instruments, error) {
	meter := mp.Meter(InstrumentationName)
	in := &Instruments{tracer: tp.Tracer(InstrumentationName)}

	var err error
	if in.nodes, err = meter.Int64Counter("spectre.nodes",
		metric.WithDescription("Units of work by final state"),
		metric.WithUnit("{node}"),
	); err != nil {
		return nil, err
	}
	if in.nodeDuration, err = meter.Float64Histogram("spectre.node.duration",
		metric.WithDescription("Time from start to final state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	); err != nil {
		return nil, err
	}
	if in.invocations, err = meter.Int64Counter("spectre.invocations",
		metric.WithDescription("Finished invocations by result"),
		metric.WithUnit("{invocation}"),
	); err != nil {
		return nil, err
	}
	if in.active, err = meter.Int64UpDownCounter("spectre.nodes.active",
		metric.WithDescription("Units of work currently started"),
		metric.WithUnit("{node}"),
	); err != nil {
		return nil, err
	}
	return in, nil
}

func resultAttr(ok bool, aborted bool) attribute.KeyValue {
	switch {
	case aborted:
		return attribute.String("result", "aborted")
	case ok:
		return attribute.String("result", "success")
	default:
		return attribute.String("result", "failure")
	}
}
