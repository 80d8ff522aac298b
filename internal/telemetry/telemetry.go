// Package telemetry initializes the OpenTelemetry meter provider the engine
// components record against.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const serviceVersion = "1.0.0"

// Config defines the metrics export parameters.
type Config struct {
	Enabled         bool
	OTLPEndpoint    string
	OTLPInsecure    bool
	ServiceName     string
	Environment     string
	MetricInterval  time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.ServiceName == "" {
		c.ServiceName = "tradewind"
	}
	if c.MetricInterval <= 0 {
		c.MetricInterval = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Provider owns the meter provider lifecycle. A disabled provider is a valid
// no-op: components still obtain meters through the otel global.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	cfg           Config
}

// NewProvider builds the provider and, when enabled, installs it as the otel
// global meter provider.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	cfg = cfg.normalize()
	if !cfg.Enabled {
		return &Provider{cfg: cfg}, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint))}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.MetricInterval))),
		sdkmetric.WithView(histogramViews()...),
	)
	otel.SetMeterProvider(mp)
	return &Provider{meterProvider: mp, cfg: cfg}, nil
}

// Shutdown flushes and stops the meter provider, bounded by the configured
// timeout.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
	defer cancel()
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	opts := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost(),
	}
	if cfg.Environment != "" {
		opts = append(opts, resource.WithAttributes(
			attribute.String("environment", strings.ToLower(cfg.Environment))))
	}
	return resource.New(ctx, opts...)
}

// histogramViews fixes explicit buckets for the engine's latency histograms.
func histogramViews() []sdkmetric.View {
	return []sdkmetric.View{
		// Bus handler latency: sub-millisecond handlers up to slow venue calls.
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "bus.handler.duration", Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500},
			}},
		),
		// Order placement latency including retries.
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "execution.place.duration", Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
			}},
		),
		// Placement retry count against the configured budget.
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "execution.place.retries", Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: []float64{0, 1, 2, 3, 4, 5},
			}},
		),
	}
}

// stripScheme drops an http(s):// prefix; the OTLP HTTP exporter expects
// host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}
