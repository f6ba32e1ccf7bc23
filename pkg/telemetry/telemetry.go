// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ShutdownFunc flushes and releases telemetry resources. The host must
// call it on exit or buffered spans and metrics are lost.
type ShutdownFunc func(context.Context) error

// Config selects the exporter backend for traces and metrics.
type Config struct {
	Exporter     string // stdout (default) or otlp
	OTLPEndpoint string
	OTLPInsecure bool
}

// Init wires the global trace and meter providers for the mesh host.
// The mesh packages pick meters up through the global provider, so this
// runs once before any service is constructed.
func Init(serviceName, version string, cfg Config) (ShutdownFunc, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	spanExporter, metricExporter, err := newExporters(cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter, sdktrace.WithBatchTimeout(time.Second)),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(time.Minute))),
		sdkmetric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		traceErr := tp.Shutdown(ctx)
		metricErr := mp.Shutdown(ctx)
		if traceErr != nil || metricErr != nil {
			return fmt.Errorf("telemetry shutdown: trace=%v metric=%v", traceErr, metricErr)
		}
		return nil
	}, nil
}

func newExporters(cfg Config) (sdktrace.SpanExporter, sdkmetric.Exporter, error) {
	switch cfg.Exporter {
	case "", "stdout":
		spanExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		metricExporter, err := stdoutmetric.New()
		if err != nil {
			return nil, nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		return spanExporter, metricExporter, nil

	case "otlp":
		if cfg.OTLPEndpoint == "" {
			return nil, nil, fmt.Errorf("otlp endpoint is required")
		}
		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
			metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		}
		spanExporter, err := otlptracegrpc.New(context.Background(), traceOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		metricExporter, err := otlpmetricgrpc.New(context.Background(), metricOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		return spanExporter, metricExporter, nil

	default:
		return nil, nil, fmt.Errorf("unknown telemetry exporter: %s", cfg.Exporter)
	}
}
