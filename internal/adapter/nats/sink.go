package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/Runplane/internal/domain/outbox"
	"github.com/Strob0t/Runplane/internal/port/messagequeue"
	"github.com/Strob0t/Runplane/internal/port/sink"
)

// OutboxSink publishes outbox messages to outbox.<topic> on the stream. The
// message id doubles as the JetStream Nats-Msg-Id, so a redelivery inside
// the dedup window is dropped by the server.
type OutboxSink struct {
	q *Queue
}

var _ sink.Sink = (*OutboxSink)(nil)

func NewOutboxSink(q *Queue) *OutboxSink {
	return &OutboxSink{q: q}
}

func (s *OutboxSink) Name() string { return "nats" }

func (s *OutboxSink) Deliver(ctx context.Context, msg outbox.Message) error {
	data, err := json.Marshal(messagequeue.OutboxPayload{
		ID:      msg.ID,
		Topic:   msg.Topic,
		Payload: msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	return s.q.PublishWithID(ctx, messagequeue.SubjectOutboxPrefix+"."+msg.Topic, msg.ID, data)
}
