// Package messagequeue is the port between the control plane and its step
// queue, plus the payloads that travel over it.
package messagequeue

import (
	"context"
	"time"
)

// Handler consumes one delivery. A non-nil error asks for redelivery; the
// transport gives up and dead-letters after its retry limit. ctx carries the
// publisher's request id.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue carries step-ready and outbox messages. Delivery is at-least-once and
// ordering within a subject is best effort, so consumers dedupe through the
// inbox.
type Queue interface {
	// Publish enqueues data on subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe attaches handler to subject until cancel is called.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// HasSubscribers reports whether at least one consumer is attached to subject.
	HasSubscribers(ctx context.Context, subject string) (bool, error)

	// OldestAge returns the age of the oldest undelivered message on subject,
	// or zero when nothing is pending.
	OldestAge(ctx context.Context, subject string) (time.Duration, error)

	// Drain stops taking new deliveries, lets in-flight handlers finish
	// and then closes.
	Drain() error

	// Close drops the connection without waiting for handlers.
	Close() error

	// IsConnected backs the readiness check.
	IsConnected() bool
}

// Subjects.
const (
	SubjectStepReady = "steps.ready" // one message per step ready to execute

	SubjectOutboxPrefix   = "outbox"     // outbox.{topic}: relayed notifications
	SubjectToolExecPrefix = "tools.exec" // tools.exec.{tool}: remote tool request/reply
)

// HeaderRequestID carries the originating request id across the queue.
const HeaderRequestID = "X-Request-ID"
