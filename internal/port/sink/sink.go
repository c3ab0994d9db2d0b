// Package sink defines the port through which the outbox relay delivers
// notifications to external listeners.
package sink

import (
	"context"

	"github.com/Strob0t/Runplane/internal/domain/outbox"
)

// Sink delivers one outbox message. Receivers must be idempotent on
// Message.ID because a message may be delivered more than once.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, msg outbox.Message) error
}
