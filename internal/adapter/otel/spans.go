package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentpr"

// StartApplySpan starts a span for one ledger apply.
func StartApplySpan(ctx context.Context, runID, eventType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "ledger.apply",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("event.type", eventType),
		),
	)
}

// StartTickSpan starts a span for one decision loop tick of a run.
func StartTickSpan(ctx context.Context, runID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "manager.tick",
		trace.WithAttributes(attribute.String("run.id", runID)),
	)
}

// StartAgentSpan starts a span for an agent invocation.
func StartAgentSpan(ctx context.Context, runID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.invoke",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("agent.attempt", attempt),
		),
	)
}

// StartIngressSpan starts a span for one webhook delivery.
func StartIngressSpan(ctx context.Context, deliveryID, event string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "ingress.delivery",
		trace.WithAttributes(
			attribute.String("github.delivery", deliveryID),
			attribute.String("github.event", event),
		),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
