package otel

import (
	"context"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RunCreated(ctx)
	m.RunFinished(ctx, "succeeded")
	m.StepStarted(ctx, "echo")
	m.StepFinished(ctx, "echo", "completed", time.Second)
	m.EnqueueRetried(ctx)
	m.InboxDuplicate(ctx)
	m.OutboxDelivered(ctx, "log")
	m.OutboxFailed(ctx, "log")
}

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RunCreated(context.Background())
	m.StepFinished(context.Background(), "echo", "failed", 10*time.Millisecond)
}
