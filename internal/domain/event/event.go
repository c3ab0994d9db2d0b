// Package event defines the append-only Event entity that forms a run's timeline.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	TypeRunCreated   Type = "run.created"
	TypeRunStarted   Type = "run.started"
	TypeRunSucceeded Type = "run.succeeded"
	TypeRunFailed    Type = "run.failed"
	TypeRunCancelled Type = "run.cancelled"
	TypeRunReset     Type = "run.reset"
	TypeRunUpdated   Type = "run.updated"

	TypeStepEnqueued  Type = "step.enqueued"
	TypeStepStarted   Type = "step.started"
	TypeStepCompleted Type = "step.completed"
	TypeStepFailed    Type = "step.failed"
	TypeStepCancelled Type = "step.cancelled"
	TypeStepRetried   Type = "step.retried"
	TypeStepRequeued  Type = "step.requeued"
	TypeStepUpdated   Type = "step.updated"

	TypeGateOpened   Type = "gate.opened"
	TypeGateApproved Type = "gate.approved"
)

// IsTerminal reports whether the event closes a run.
func (t Type) IsTerminal() bool {
	return t == TypeRunSucceeded || t == TypeRunFailed || t == TypeRunCancelled
}

// Event is a single immutable fact about a run or one of its steps.
// Seq is strictly increasing per run and is the ordering key of the timeline.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
}

// Record is an event before it is appended.
type Record struct {
	RunID   string
	StepID  string
	Type    Type
	Payload map[string]any
}

// MarshalPayload encodes a record payload, mapping nil to an empty object.
func MarshalPayload(p map[string]any) (json.RawMessage, error) {
	if p == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(p)
}

// Types extracts the event types in order.
func Types(events []Event) []Type {
	out := make([]Type, len(events))
	for i := range events {
		out[i] = events[i].Type
	}
	return out
}
