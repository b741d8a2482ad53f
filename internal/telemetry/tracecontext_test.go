package telemetry

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const sampleTraceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func TestTraceContextRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	ctx := ContextWithTraceContext(context.Background(), sampleTraceparent, "")
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		t.Fatalf("expected valid span context")
	}
	if got := sc.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("trace id = %s", got)
	}

	tp, _ := TraceContextStrings(ctx)
	if tp != sampleTraceparent {
		t.Fatalf("traceparent = %q, want %q", tp, sampleTraceparent)
	}
}

func TestContextWithTraceContext_EmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	if got := ContextWithTraceContext(ctx, "", ""); got != ctx {
		t.Fatalf("expected same context")
	}
}

func TestInjectKafkaHeaders_OverwritesExisting(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	ctx := ContextWithTraceContext(context.Background(), sampleTraceparent, "")

	headers := []kafka.Header{
		{Key: "event_id", Value: []byte("e1")},
		{Key: "traceparent", Value: []byte("stale")},
	}
	headers = InjectKafkaHeaders(ctx, headers)

	count := 0
	for _, h := range headers {
		if h.Key == "traceparent" {
			count++
			if string(h.Value) != sampleTraceparent {
				t.Fatalf("traceparent = %q", h.Value)
			}
		}
	}
	if count != 1 {
		t.Fatalf("traceparent headers = %d, want 1", count)
	}
}
