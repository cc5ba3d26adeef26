package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "docjobs"
	serviceVersion = "1.0.0"
)

// TracerConfig holds configuration for the OpenTelemetry tracer.
type TracerConfig struct {
	Endpoint    string
	ServiceName string
	Environment string
	Enabled     bool
}

// DefaultTracerConfig returns sensible defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Endpoint:    "localhost:4318",
		ServiceName: serviceName,
		Environment: "development",
		Enabled:     true,
	}
}

// InitTracer initializes the OpenTelemetry tracer provider.
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

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
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

// Tracer returns the default tracer for docjobs.
func Tracer() trace.Tracer {
	return otel.Tracer(serviceName)
}

// StartSpan creates a new span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// TaskSpan creates a span for one attempt of a task.
func TaskSpan(ctx context.Context, taskType, taskID, queue string, attempt int) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("task.%s", taskType),
		attribute.String("task.id", taskID),
		attribute.String("task.type", taskType),
		attribute.String("task.queue", queue),
		attribute.Int("task.attempt", attempt),
	)
}

// SubmitSpan creates a span around a task submission.
func SubmitSpan(ctx context.Context, taskType string) (context.Context, trace.Span) {
	return StartSpan(ctx, "dispatch.submit",
		attribute.String("task.type", taskType),
	)
}

// SchedulerSpan creates a span for a scheduled job trigger.
func SchedulerSpan(ctx context.Context, job string) (context.Context, trace.Span) {
	return StartSpan(ctx, "scheduler.trigger",
		attribute.String("scheduler.job", job),
	)
}

// WebhookSpan creates a span for an outbound webhook delivery.
func WebhookSpan(ctx context.Context, eventType, subscriptionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "webhook.deliver",
		attribute.String("webhook.event_type", eventType),
		attribute.String("webhook.subscription_id", subscriptionID),
	)
}

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
