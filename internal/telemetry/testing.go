package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Recorder captures spans in memory for tests.
type Recorder struct {
	spans *tracetest.SpanRecorder
}

// NewRecorder installs an in-memory TracerProvider as the global provider
// and restores the previous one when tb ends. Tests using it must not run
// in parallel.
func NewRecorder(tb testing.TB) *Recorder {
	tb.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(spans))

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tb.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return &Recorder{spans: spans}
}

// Spans returns every ended span.
func (r *Recorder) Spans() []trace.ReadOnlySpan {
	return r.spans.Ended()
}

// SpanByName finds an ended span by name, or nil.
func (r *Recorder) SpanByName(name string) trace.ReadOnlySpan {
	for _, span := range r.Spans() {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

// Attribute returns the value of key on span, or an invalid value.
func Attribute(span trace.ReadOnlySpan, key string) attribute.Value {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}
