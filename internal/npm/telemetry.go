package npm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name for npm invocations.
const InstrumentationName = "github.com/fyrsmithlabs/depdeck/internal/npm"

// Tracer returns the tracer for the npm package.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

func startSpan(ctx context.Context, command, dir string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "npm."+command,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("npm.command", command),
			attribute.String("project.path", dir),
		))
}

func endSpan(span trace.Span, outcome string, exitCode int, err error) {
	span.SetAttributes(
		attribute.String("npm.outcome", outcome),
		attribute.Int("process.exit_code", exitCode),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.End()
}
