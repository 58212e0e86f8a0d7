package emit

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*tracetest.InMemoryExporter, *OTelEmitter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, NewOTelEmitter(otel.Tracer("test"))
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestOTelEmitter_Emit(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		Task:  "billing#12",
		Run:   "run-001",
		Step:  "review",
		Agent: "code-reviewer",
		Msg:   "review_round_complete",
		Meta: map[string]interface{}{
			"open_findings": 3,
			"duration_ms":   int64(4200),
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != "review_round_complete" {
		t.Errorf("span name = %q", span.Name)
	}

	attrs := attributeMap(span.Attributes)
	if attrs["foreman.task"] != "billing#12" {
		t.Errorf("task attr = %v", attrs["foreman.task"])
	}
	if attrs["foreman.agent"] != "code-reviewer" {
		t.Errorf("agent attr = %v", attrs["foreman.agent"])
	}
	if attrs["foreman.meta.open_findings"] != int64(3) {
		t.Errorf("open_findings attr = %v", attrs["foreman.meta.open_findings"])
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	emitter.Emit(Event{
		Task: "billing#12",
		Msg:  "fatal_error",
		Meta: map[string]interface{}{"error": "insufficient permissions"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "insufficient permissions" {
		t.Errorf("description = %q", spans[0].Status.Description)
	}
}

func TestOTelEmitter_EmitBatch(t *testing.T) {
	exporter, emitter := newTestTracer(t)

	events := []Event{
		{Task: "billing#12", Msg: "reviewer_start", Agent: "code-reviewer"},
		{Task: "billing#12", Msg: "reviewer_start", Agent: "silent-failure-hunter"},
		{Task: "billing#12", Msg: "review_converged"},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("emit batch: %v", err)
	}
	if got := len(exporter.GetSpans()); got != 3 {
		t.Errorf("spans = %d, want 3", got)
	}
}
