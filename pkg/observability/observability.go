// Package observability provides OpenTelemetry tracing and metrics for the
// anchoring and settlement paths, exported over OTLP gRPC.
package observability

import (
	"context"
	"fmt"
	"log/slog"
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
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "cropledger",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the domain counters.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	anchorsSubmitted  metric.Int64Counter
	anchorsConfirmed  metric.Int64Counter
	anchorsFailed     metric.Int64Counter
	claimsResolved    metric.Int64Counter
	settlementLatency metric.Float64Histogram
}

// New creates an observability provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("cropledger",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("cropledger",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	if p.anchorsSubmitted, err = p.meter.Int64Counter("cropledger.anchors.submitted",
		metric.WithDescription("Anchor transactions submitted"),
		metric.WithUnit("{tx}")); err != nil {
		return err
	}
	if p.anchorsConfirmed, err = p.meter.Int64Counter("cropledger.anchors.confirmed",
		metric.WithDescription("Anchor transactions confirmed"),
		metric.WithUnit("{tx}")); err != nil {
		return err
	}
	if p.anchorsFailed, err = p.meter.Int64Counter("cropledger.anchors.failed",
		metric.WithDescription("Anchor tickets that reached FAILED"),
		metric.WithUnit("{ticket}")); err != nil {
		return err
	}
	if p.claimsResolved, err = p.meter.Int64Counter("cropledger.claims.resolved",
		metric.WithDescription("Claims resolved by oracle decision"),
		metric.WithUnit("{claim}")); err != nil {
		return err
	}
	if p.settlementLatency, err = p.meter.Float64Histogram("cropledger.settlement.duration",
		metric.WithDescription("Request-to-terminal settlement latency"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

// RecordAnchorSubmitted counts a submitted anchor transaction.
func (p *Provider) RecordAnchorSubmitted(ctx context.Context, kind string) {
	if p.anchorsSubmitted == nil {
		return
	}
	p.anchorsSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("record.kind", kind)))
}

// RecordAnchorConfirmed counts a confirmed anchor transaction.
func (p *Provider) RecordAnchorConfirmed(ctx context.Context, kind string) {
	if p.anchorsConfirmed == nil {
		return
	}
	p.anchorsConfirmed.Add(ctx, 1, metric.WithAttributes(attribute.String("record.kind", kind)))
}

// RecordAnchorFailed counts a FAILED ticket with its reason.
func (p *Provider) RecordAnchorFailed(ctx context.Context, reason string) {
	if p.anchorsFailed == nil {
		return
	}
	p.anchorsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("failure.reason", reason)))
}

// RecordClaimResolved counts a resolved claim and its settlement latency.
func (p *Provider) RecordClaimResolved(ctx context.Context, decision string, elapsed time.Duration) {
	if p.claimsResolved == nil {
		return
	}
	p.claimsResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
	p.settlementLatency.Record(ctx, elapsed.Seconds())
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("cropledger")
	}
	return p.tracer
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
