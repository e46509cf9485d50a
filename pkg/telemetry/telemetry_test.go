package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNoopTelemetry(t *testing.T) {
	tel := NewNoop()
	ctx := context.Background()

	tel.RecordHistogram(ctx, "ctree.test.latency", 0.25, attribute.String("k", "v"))
	tel.RecordCounter(ctx, "ctree.test.count", 3)

	spanCtx, span := tel.StartSpan(ctx, "ctree.test")
	if spanCtx != ctx {
		t.Error("expected the no-op span to leave the context unchanged")
	}
	if span.SpanContext().IsValid() {
		t.Error("expected an invalid span context from the no-op telemetry")
	}
	span.End()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNoopStartSpanKeepsParent(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, parent := tp.Tracer("test").Start(context.Background(), "parent")
	defer parent.End()

	_, span := NewNoop().StartSpan(ctx, "child")
	if span.SpanContext().SpanID() != parent.SpanContext().SpanID() {
		t.Error("expected the no-op telemetry to hand back the parent span")
	}
}

func TestNoopStartSpanNilContext(t *testing.T) {
	var nilCtx context.Context
	ctx, span := NewNoop().StartSpan(nilCtx, "nil-ctx")
	if ctx == nil {
		t.Fatal("expected a background context")
	}
	if span.SpanContext().IsValid() {
		t.Error("expected an empty span")
	}
}

func TestStatus(t *testing.T) {
	if Status(true) != StatusSuccess || Status(false) != StatusError {
		t.Errorf("unexpected status values %q %q", Status(true), Status(false))
	}
}

func TestComponent(t *testing.T) {
	kv := Component(ComponentLock)
	if string(kv.Key) != AttrComponent || kv.Value.AsString() != "lock" {
		t.Errorf("unexpected component attribute %v", kv)
	}
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	var tel Telemetry = rec
	ctx := context.Background()

	tel.RecordCounter(ctx, "ctree.test.count", 2)
	tel.RecordCounter(ctx, "ctree.test.count", 5)
	tel.RecordHistogram(ctx, "ctree.test.latency", 0.5)
	tel.StartSpan(ctx, "ctree.test.span")

	if got := rec.Total("ctree.test.count"); got != 7 {
		t.Errorf("expected total 7, got %d", got)
	}
	if got := rec.Adds("ctree.test.count"); len(got) != 2 || got[1] != 5 {
		t.Errorf("unexpected adds %v", got)
	}
	if got := rec.Observations("ctree.test.latency"); len(got) != 1 || got[0] != 0.5 {
		t.Errorf("unexpected observations %v", got)
	}
	if got := rec.Spans(); len(got) != 1 || got[0] != "ctree.test.span" {
		t.Errorf("unexpected spans %v", got)
	}
	if rec.Total("missing") != 0 || rec.Observations("missing") != nil {
		t.Error("expected nothing for an unknown name")
	}
}
