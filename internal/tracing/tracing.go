package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "taskrelay"
	serviceVersion = "1.0.0"
)

// TracerConfig holds configuration for the OpenTelemetry tracer.
type TracerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Environment string `yaml:"environment"`
}

// InitTracer installs a global OTLP/HTTP tracer provider and returns its
// shutdown func. When tracing is disabled the global no-op provider stays.
func InitTracer(ctx context.Context, cfg TracerConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func Tracer() trace.Tracer {
	return otel.Tracer(serviceName)
}

// TaskSpan starts a span for one stage of processing a task.
func TaskSpan(ctx context.Context, stage string, taskID int64, workerID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "task."+stage, trace.WithAttributes(
		attribute.Int64("task.id", taskID),
		attribute.String("worker.id", workerID),
	))
}

// DeliverySpan starts a span for a single delivery attempt.
func DeliverySpan(ctx context.Context, taskID int64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "delivery.attempt", trace.WithAttributes(
		attribute.Int64("task.id", taskID),
	))
}
