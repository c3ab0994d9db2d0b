package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "runplane"

// Metrics holds the Runplane instruments. A nil *Metrics records nothing,
// so components may be built without telemetry.
type Metrics struct {
	runsCreated     metric.Int64Counter
	runsFinished    metric.Int64Counter
	stepsStarted    metric.Int64Counter
	stepsFinished   metric.Int64Counter
	stepDuration    metric.Float64Histogram
	enqueueRetries  metric.Int64Counter
	inboxDuplicates metric.Int64Counter
	outboxDelivered metric.Int64Counter
	outboxFailed    metric.Int64Counter
	breakerChanges  metric.Int64Counter
}

// NewMetrics creates all instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.runsCreated, err = meter.Int64Counter("runplane.runs.created",
		metric.WithDescription("Runs created")); err != nil {
		return nil, err
	}
	if m.runsFinished, err = meter.Int64Counter("runplane.runs.finished",
		metric.WithDescription("Runs reaching a terminal status")); err != nil {
		return nil, err
	}
	if m.stepsStarted, err = meter.Int64Counter("runplane.steps.started",
		metric.WithDescription("Steps moved to running")); err != nil {
		return nil, err
	}
	if m.stepsFinished, err = meter.Int64Counter("runplane.steps.finished",
		metric.WithDescription("Steps completed or failed by a worker")); err != nil {
		return nil, err
	}
	if m.stepDuration, err = meter.Float64Histogram("runplane.step.duration_seconds",
		metric.WithDescription("Tool execution time per step"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.enqueueRetries, err = meter.Int64Counter("runplane.enqueue.retries",
		metric.WithDescription("Failed enqueue attempts that were retried")); err != nil {
		return nil, err
	}
	if m.inboxDuplicates, err = meter.Int64Counter("runplane.inbox.duplicates",
		metric.WithDescription("Queue deliveries dropped by the inbox")); err != nil {
		return nil, err
	}
	if m.outboxDelivered, err = meter.Int64Counter("runplane.outbox.delivered",
		metric.WithDescription("Outbox messages delivered")); err != nil {
		return nil, err
	}
	if m.breakerChanges, err = meter.Int64Counter("runplane.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return nil, err
	}
	if m.outboxFailed, err = meter.Int64Counter("runplane.outbox.failed",
		metric.WithDescription("Outbox delivery rounds that failed")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RunCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.runsCreated.Add(ctx, 1)
}

func (m *Metrics) RunFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) StepStarted(ctx context.Context, tool string) {
	if m == nil {
		return
	}
	m.stepsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

// StepFinished records the outcome and execution time of a step.
func (m *Metrics) StepFinished(ctx context.Context, tool, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool), attribute.String("status", status))
	m.stepsFinished.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) EnqueueRetried(ctx context.Context) {
	if m == nil {
		return
	}
	m.enqueueRetries.Add(ctx, 1)
}

func (m *Metrics) InboxDuplicate(ctx context.Context) {
	if m == nil {
		return
	}
	m.inboxDuplicates.Add(ctx, 1)
}

func (m *Metrics) OutboxDelivered(ctx context.Context, sink string) {
	if m == nil {
		return
	}
	m.outboxDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

func (m *Metrics) OutboxFailed(ctx context.Context, sink string) {
	if m == nil {
		return
	}
	m.outboxFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// BreakerTransition counts a circuit breaker moving between states.
func (m *Metrics) BreakerTransition(name, from, to string) {
	if m == nil {
		return
	}
	m.breakerChanges.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
