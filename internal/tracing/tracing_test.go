package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultTracerConfig(t *testing.T) {
	cfg := DefaultTracerConfig()

	if cfg.Endpoint != "localhost:4318" {
		t.Errorf("unexpected endpoint: %s", cfg.Endpoint)
	}
	if cfg.ServiceName != "docjobs" {
		t.Errorf("unexpected service name: %s", cfg.ServiceName)
	}
	if cfg.Environment != "development" {
		t.Errorf("unexpected environment: %s", cfg.Environment)
	}
	if !cfg.Enabled {
		t.Error("expected Enabled=true")
	}
}

func TestInitTracer_Disabled(t *testing.T) {
	cfg := DefaultTracerConfig()
	cfg.Enabled = false

	shutdown, err := InitTracer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Shutdown should be a no-op
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown returned error: %v", err)
	}
}

func TestTaskSpan_Recorded(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, span := TaskSpan(context.Background(), "document.convert", "task-1", "convert", 2)
	RecordError(span, errors.New("converter unavailable"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "task.document.convert" {
		t.Errorf("unexpected span name %q", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status().Code)
	}
}

func TestSpans(t *testing.T) {
	ctx := context.Background()

	ctx, submit := SubmitSpan(ctx, "video.transcode")
	if ctx == nil || submit == nil {
		t.Fatal("expected submit span")
	}
	submit.End()

	_, sched := SchedulerSpan(ctx, "nightly-cleanup")
	sched.End()

	_, hook := WebhookSpan(ctx, "document.converted", "sub-1")
	RecordError(hook, nil)
	hook.End()
}
