package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentpr"

// Metrics holds the AgentPR metric instruments. A nil *Metrics records
// nothing, so callers never need to check.
type Metrics struct {
	EventsApplied metric.Int64Counter
	Verdicts      metric.Int64Counter
	Actions       metric.Int64Counter
	Deliveries    metric.Int64Counter
	GateOutcomes  metric.Int64Counter
	AgentDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.EventsApplied, err = meter.Int64Counter("agentpr.ledger.events",
		metric.WithDescription("Ledger apply outcomes by event type"))
	if err != nil {
		return nil, err
	}

	m.Verdicts, err = meter.Int64Counter("agentpr.verdicts",
		metric.WithDescription("Classifier verdicts by grade and reason"))
	if err != nil {
		return nil, err
	}

	m.Actions, err = meter.Int64Counter("agentpr.manager.actions",
		metric.WithDescription("Decision loop actions by action and source"))
	if err != nil {
		return nil, err
	}

	m.Deliveries, err = meter.Int64Counter("agentpr.ingress.deliveries",
		metric.WithDescription("Webhook deliveries by outcome"))
	if err != nil {
		return nil, err
	}

	m.GateOutcomes, err = meter.Int64Counter("agentpr.gate.outcomes",
		metric.WithDescription("Human gate approvals, rejections and bypasses"))
	if err != nil {
		return nil, err
	}

	m.AgentDuration, err = meter.Float64Histogram("agentpr.agent.duration_seconds",
		metric.WithDescription("Agent invocation wall time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 15, 30, 60, 120, 300, 600, 900, 1800))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// EventApplied counts one ledger apply outcome.
func (m *Metrics) EventApplied(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	m.EventsApplied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", eventType),
		attribute.String("outcome", outcome),
	))
}

// Verdict counts one classifier verdict.
func (m *Metrics) Verdict(ctx context.Context, grade, reason string) {
	if m == nil {
		return
	}
	m.Verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict.grade", grade),
		attribute.String("verdict.reason", reason),
	))
}

// Action counts one decision loop action.
func (m *Metrics) Action(ctx context.Context, action, source string) {
	if m == nil {
		return
	}
	m.Actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("source", source),
	))
}

// Delivery counts one webhook delivery outcome.
func (m *Metrics) Delivery(ctx context.Context, event, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("github.event", event),
		attribute.String("outcome", outcome),
	))
}

// Gate counts one gate outcome.
func (m *Metrics) Gate(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.GateOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// AgentRun records an agent invocation's duration.
func (m *Metrics) AgentRun(ctx context.Context, d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.AgentDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("timed_out", timedOut)))
}
