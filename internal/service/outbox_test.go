package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Runplane/internal/adapter/memory"
	"github.com/Strob0t/Runplane/internal/config"
	"github.com/Strob0t/Runplane/internal/domain/outbox"
	"github.com/Strob0t/Runplane/internal/resilience"
	"github.com/Strob0t/Runplane/internal/service"
)

// recordingSink records delivered messages and fails while err is set.
type recordingSink struct {
	mu        sync.Mutex
	delivered []string
	err       error
	calls     int
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, msg outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.delivered = append(s.delivered, msg.ID)
	return nil
}

func outboxConfig() config.Outbox {
	return config.Outbox{
		Interval:  time.Millisecond,
		BatchSize: 10,
		Retry:     config.Retry{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}
}

func TestOutboxRelay_DeliversAndMarksSent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	msg, err := store.OutboxAdd(ctx, outbox.TopicRunSucceeded, []byte(`{"run_id":"r1","status":"succeeded"}`))
	if err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	relay := service.NewOutboxRelay(store, sink, outboxConfig(), nil)
	n, err := relay.RelayOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(sink.delivered) != 1 || sink.delivered[0] != msg.ID {
		t.Fatalf("expected %s delivered, got %v", msg.ID, sink.delivered)
	}
	unsent, _ := store.OutboxListUnsent(ctx, 10)
	if len(unsent) != 0 {
		t.Fatalf("expected no unsent messages, got %d", len(unsent))
	}

	// Nothing left to deliver on the next pass.
	if n, _ := relay.RelayOnce(ctx); n != 0 {
		t.Fatalf("expected nothing delivered twice, got %d", n)
	}
}

func TestOutboxRelay_FailureKeepsMessageUnsent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	msg, err := store.OutboxAdd(ctx, outbox.TopicRunFailed, []byte(`{"run_id":"r1","status":"failed"}`))
	if err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{err: errors.New("connection refused")}
	relay := service.NewOutboxRelay(store, sink, outboxConfig(), nil)
	if n, err := relay.RelayOnce(ctx); err != nil || n != 0 {
		t.Fatalf("expected 0 sent, got %d (%v)", n, err)
	}
	if sink.calls != 2 {
		t.Fatalf("expected 2 delivery attempts, got %d", sink.calls)
	}
	unsent, _ := store.OutboxListUnsent(ctx, 10)
	if len(unsent) != 1 || unsent[0].ID != msg.ID || unsent[0].Attempts != 1 || unsent[0].LastError == "" {
		t.Fatalf("expected message kept with failure recorded, got %+v", unsent)
	}

	// A restarted relay redelivers the same message.
	sink.err = nil
	restarted := service.NewOutboxRelay(store, sink, outboxConfig(), nil)
	if n, _ := restarted.RelayOnce(ctx); n != 1 {
		t.Fatalf("expected redelivery, got %d", n)
	}
	if len(sink.delivered) != 1 || sink.delivered[0] != msg.ID {
		t.Fatalf("unexpected deliveries %v", sink.delivered)
	}
}

func TestOutboxRelay_OpenCircuitStopsPass(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	for range 3 {
		if _, err := store.OutboxAdd(ctx, outbox.TopicRunSucceeded, []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	sink := &recordingSink{err: resilience.ErrCircuitOpen}
	relay := service.NewOutboxRelay(store, sink, outboxConfig(), nil)
	if _, err := relay.RelayOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if sink.calls != 1 {
		t.Fatalf("expected the pass to stop after the open circuit, got %d calls", sink.calls)
	}
}

func TestOutboxRelay_RunLoop(t *testing.T) {
	store := memory.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := store.OutboxAdd(ctx, outbox.TopicGateApproved, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	relay := service.NewOutboxRelay(store, sink, outboxConfig(), nil)
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		unsent, _ := store.OutboxListUnsent(ctx, 10)
		if len(unsent) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("relay did not deliver")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
