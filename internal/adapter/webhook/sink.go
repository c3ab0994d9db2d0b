// Package webhook implements the outbox sink for HTTP webhook receivers.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/Runplane/internal/domain/outbox"
	"github.com/Strob0t/Runplane/internal/port/sink"
	"github.com/Strob0t/Runplane/internal/resilience"
)

const (
	sinkName = "webhook"

	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderTopic          = "X-Runplane-Topic"
)

// Sink POSTs outbox messages to a fixed URL. The message id travels as the
// Idempotency-Key so receivers can drop redeliveries.
type Sink struct {
	url        string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

var _ sink.Sink = (*Sink)(nil)

// NewSink creates a webhook sink. breaker may be nil.
func NewSink(url string, timeout time.Duration, breaker *resilience.Breaker) *Sink {
	return &Sink{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
	}
}

func (s *Sink) Name() string { return sinkName }

// envelope is the request body sent to receivers.
type envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Deliver posts msg. Client errors other than 408 and 429 are permanent:
// the receiver rejected this message and resending it will not help.
func (s *Sink) Deliver(ctx context.Context, msg outbox.Message) error {
	if s.breaker == nil {
		return s.post(ctx, msg)
	}
	return s.breaker.Execute(func() error { return s.post(ctx, msg) })
}

func (s *Sink) post(ctx context.Context, msg outbox.Message) error {
	body, err := json.Marshal(envelope{
		ID:        msg.ID,
		Topic:     msg.Topic,
		Payload:   msg.Payload,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return resilience.Permanent(fmt.Errorf("webhook marshal: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(fmt.Errorf("webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, msg.ID)
	req.Header.Set(HeaderTopic, msg.Topic)

	resp, err := s.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("webhook %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	if resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return resilience.Permanent(err)
	}
	return err
}
