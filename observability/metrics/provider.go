package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// ProviderConfig describes where a listener process ships its metrics.
// Exactly one of HTTPEndpoint and GRPCEndpoint is used; gRPC wins when both are set.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	HTTPEndpoint   string
	GRPCEndpoint   string
	Interval       time.Duration
}

type ProviderOption func(*ProviderConfig)

func WithServiceName(name string) ProviderOption {
	return func(c *ProviderConfig) { c.ServiceName = name }
}

func WithServiceVersion(version string) ProviderOption {
	return func(c *ProviderConfig) { c.ServiceVersion = version }
}

func WithEnvironment(env string) ProviderOption {
	return func(c *ProviderConfig) { c.Environment = env }
}

// WithOTLPEndpoint sets the OTLP HTTP endpoint (host:port).
func WithOTLPEndpoint(endpoint string) ProviderOption {
	return func(c *ProviderConfig) { c.HTTPEndpoint = endpoint }
}

// WithOTLPGRPCEndpoint sets the OTLP gRPC endpoint (host:port).
func WithOTLPGRPCEndpoint(endpoint string) ProviderOption {
	return func(c *ProviderConfig) { c.GRPCEndpoint = endpoint }
}

func WithInterval(d time.Duration) ProviderOption {
	return func(c *ProviderConfig) { c.Interval = d }
}

func defaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		ServiceName:    "pubsub-listener",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Interval:       10 * time.Second,
	}
}

// NewMeterProvider builds an OTLP-exporting meter provider and installs it as
// the global provider. The returned func flushes and shuts it down.
func NewMeterProvider(ctx context.Context, opts ...ProviderOption) (*sdkmetric.MeterProvider, func(context.Context) error, error) {
	cfg := defaultProviderConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPEndpoint == "" && cfg.GRPCEndpoint == "" {
		return nil, nil, errors.New("an OTLP HTTP or gRPC endpoint is required")
	}
	if cfg.Interval <= 0 {
		return nil, nil, fmt.Errorf("invalid export interval %s", cfg.Interval)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdkmetric.Exporter
	if cfg.GRPCEndpoint != "" {
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.GRPCEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
		}
	} else {
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.HTTPEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
		}
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Interval))),
	)
	otel.SetMeterProvider(provider)
	return provider, provider.Shutdown, nil
}
