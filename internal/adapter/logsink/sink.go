// Package logsink implements an outbox sink that only logs, for development.
package logsink

import (
	"context"
	"log/slog"

	"github.com/Strob0t/Runplane/internal/domain/outbox"
	"github.com/Strob0t/Runplane/internal/port/sink"
)

// Sink writes every outbox message to a logger and always succeeds.
type Sink struct {
	log *slog.Logger
}

var _ sink.Sink = (*Sink)(nil)

// New creates a log sink. A nil logger uses slog.Default().
func New(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{log: log}
}

func (s *Sink) Name() string { return "log" }

func (s *Sink) Deliver(ctx context.Context, msg outbox.Message) error {
	s.log.InfoContext(ctx, "outbox message",
		"id", msg.ID,
		"topic", msg.Topic,
		"attempts", msg.Attempts,
		"payload", string(msg.Payload),
	)
	return nil
}
