package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "runplane"

// StartDispatchSpan starts a span covering run creation and initial enqueue.
func StartDispatchSpan(ctx context.Context, projectID string, steps int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("project.id", projectID),
			attribute.Int("plan.steps", steps),
		),
	)
}

// StartStepSpan starts a span for one step attempt on a worker.
func StartStepSpan(ctx context.Context, runID, stepID, tool string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step.execute",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("step.id", stepID),
			attribute.String("step.tool", tool),
			attribute.Int("step.attempt", attempt),
		),
	)
}

// StartOutboxSpan starts a span for delivering one outbox message.
func StartOutboxSpan(ctx context.Context, msgID, topic, sink string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "outbox.deliver",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("outbox.id", msgID),
			attribute.String("outbox.topic", topic),
			attribute.String("outbox.sink", sink),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
