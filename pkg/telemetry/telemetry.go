// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jllopis/contractnet/pkg/errors"
)

// ShutdownFunc flushes and stops the installed providers.
type ShutdownFunc func(context.Context) error

// Config selects where spans and round metrics go.
type Config struct {
	// Exporter is one of "none", "stdout" or "otlp".
	Exporter string
	// NodeID is attached to every span and metric as cnet.node.id.
	NodeID       string
	OTLPEndpoint string
	OTLPInsecure bool
	// OTLPTimeout bounds each export; zero keeps the exporter default.
	OTLPTimeout time.Duration
	// Writer receives stdout exports. Defaults to os.Stderr so command
	// output on stdout stays parseable.
	Writer io.Writer
	// MetricInterval is the export period. Defaults to one minute.
	MetricInterval time.Duration
}

type exporters struct {
	spans   trace.SpanExporter
	metrics metric.Exporter
}

// Init installs stdout exporters writing to stderr.
func Init(serviceName, version string) (ShutdownFunc, error) {
	return InitWithConfig(serviceName, version, Config{Exporter: "stdout"})
}

// InitWithConfig installs the global tracer and meter providers for the
// configured exporter. The "none" exporter installs propagators only, so
// trace context still crosses gRPC hops while spans are dropped.
func InitWithConfig(serviceName, version string, cfg Config) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if cfg.Exporter == "none" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporters(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	}
	if cfg.NodeID != "" {
		attrs = append(attrs, attribute.String(AttrNodeID, cfg.NodeID))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "telemetry resource", err)
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = time.Minute
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp.spans, trace.WithBatchTimeout(time.Second)),
		trace.WithResource(res),
	)
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exp.metrics, metric.WithInterval(interval))),
		metric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return stderrors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newExporters(ctx context.Context, cfg Config) (exporters, error) {
	switch cfg.Exporter {
	case "", "stdout":
		return stdoutExporters(cfg)
	case "otlp":
		if cfg.OTLPEndpoint == "" {
			return exporters{}, errors.New(errors.CodeInvalidArgument, "telemetry.otlp_endpoint is required for the otlp exporter", nil)
		}
		return otlpExporters(ctx, cfg)
	default:
		return exporters{}, errors.Errorf(errors.CodeInvalidArgument, "unknown telemetry exporter %q", cfg.Exporter)
	}
}

func stdoutExporters(cfg Config) (exporters, error) {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	spans, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return exporters{}, errors.New(errors.CodeInternal, "stdout span exporter", err)
	}
	metrics, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return exporters{}, errors.New(errors.CodeInternal, "stdout metric exporter", err)
	}
	return exporters{spans: spans, metrics: metrics}, nil
}

func otlpExporters(ctx context.Context, cfg Config) (exporters, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	if cfg.OTLPTimeout > 0 {
		traceOpts = append(traceOpts, otlptracegrpc.WithTimeout(cfg.OTLPTimeout))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithTimeout(cfg.OTLPTimeout))
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return exporters{}, errors.New(errors.CodeTransport, "otlp span exporter", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return exporters{}, errors.New(errors.CodeTransport, "otlp metric exporter", err)
	}
	return exporters{spans: spans, metrics: metrics}, nil
}
