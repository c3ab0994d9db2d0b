// Package slack implements the outbox sink that posts run notifications
// to a Slack incoming webhook.
package slack

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

const sinkName = "slack"

// Sink renders outbox messages as Block Kit messages.
type Sink struct {
	webhookURL string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

var _ sink.Sink = (*Sink)(nil)

// NewSink creates a Slack sink. breaker may be nil.
func NewSink(webhookURL string, timeout time.Duration, breaker *resilience.Breaker) *Sink {
	return &Sink{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
	}
}

func (s *Sink) Name() string { return sinkName }

// slackMessage is the Slack Block Kit message payload.
type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (s *Sink) Deliver(ctx context.Context, msg outbox.Message) error {
	if s.breaker == nil {
		return s.post(ctx, msg)
	}
	return s.breaker.Execute(func() error { return s.post(ctx, msg) })
}

func (s *Sink) post(ctx context.Context, msg outbox.Message) error {
	m, err := render(msg)
	if err != nil {
		return resilience.Permanent(err)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("slack marshal: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(fmt.Errorf("slack request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("slack API %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return resilience.Permanent(err)
	}
	return err
}

// render turns a message into a header, a detail section and a context
// line carrying the topic.
func render(msg outbox.Message) (slackMessage, error) {
	var title, detail string
	switch msg.Topic {
	case outbox.TopicRunSucceeded, outbox.TopicRunFailed, outbox.TopicRunCancelled:
		var p outbox.RunFinished
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return slackMessage{}, fmt.Errorf("slack decode %s: %w", msg.Topic, err)
		}
		title = fmt.Sprintf("%s Run %s", statusTag(p.Status), p.Status)
		detail = fmt.Sprintf("*Run* `%s`", p.RunID)
		if p.ProjectID != "" {
			detail += fmt.Sprintf("\n*Project* `%s`", p.ProjectID)
		}
		if p.Error != "" {
			detail += fmt.Sprintf("\n*Error* %s", p.Error)
		}
	case outbox.TopicGateApproved:
		var p outbox.GateApproved
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return slackMessage{}, fmt.Errorf("slack decode %s: %w", msg.Topic, err)
		}
		title = fmt.Sprintf("[OK] Gate %s approved", p.GateType)
		detail = fmt.Sprintf("*Run* `%s`\n*Step* `%s`\n*Approved by* %s", p.RunID, p.StepID, p.ApprovedBy)
	default:
		title = "[INFO] " + msg.Topic
		detail = "```" + string(msg.Payload) + "```"
	}

	return slackMessage{
		Text: title,
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: title}},
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: detail}},
			{Type: "context", Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("_%s · %s_", msg.Topic, msg.ID)}},
		},
	}, nil
}

func statusTag(status string) string {
	switch status {
	case "succeeded":
		return "[OK]"
	case "failed":
		return "[ERROR]"
	case "cancelled":
		return "[WARN]"
	default:
		return "[INFO]"
	}
}
