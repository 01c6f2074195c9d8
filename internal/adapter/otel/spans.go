package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "toolgate"

// StartRunSpan starts a span for one generated-code run.
func StartRunSpan(ctx context.Context, runID, workspace string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.workspace", workspace),
		),
	)
}

// StartToolCallSpan starts a span for a mediated tool call within a run.
func StartToolCallSpan(ctx context.Context, callID, toolPath string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "toolcall",
		trace.WithAttributes(
			attribute.String("toolcall.id", callID),
			attribute.String("toolcall.path", toolPath),
		),
	)
}
