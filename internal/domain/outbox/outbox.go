// Package outbox defines durable notifications written in the same
// transaction as the state change they report.
package outbox

import (
	"encoding/json"
	"time"
)

// Topics published to external listeners.
const (
	TopicRunSucceeded = "run.succeeded"
	TopicRunFailed    = "run.failed"
	TopicRunCancelled = "run.cancelled"
	TopicGateApproved = "gate.approved"
)

// Message is a pending or delivered external notification.
// A message is never marked sent before delivery succeeds.
type Message struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Sent      bool            `json:"sent"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// RunFinished is the payload of run.* topics.
type RunFinished struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// GateApproved is the payload of gate.approved.
type GateApproved struct {
	GateID     string `json:"gate_id"`
	RunID      string `json:"run_id"`
	StepID     string `json:"step_id"`
	GateType   string `json:"gate_type"`
	ApprovedBy string `json:"approved_by"`
}

// TopicForRunStatus maps a terminal run status to its outbox topic.
func TopicForRunStatus(status string) string {
	switch status {
	case "succeeded":
		return TopicRunSucceeded
	case "cancelled":
		return TopicRunCancelled
	default:
		return TopicRunFailed
	}
}
