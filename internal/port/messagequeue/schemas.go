package messagequeue

import "encoding/json"

// StepReadyPayload is the schema for steps.ready messages.
type StepReadyPayload struct {
	RunID   string `json:"run_id"`
	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt"`
}

// ToolExecRequestPayload is the schema for tools.exec.{tool} requests.
type ToolExecRequestPayload struct {
	RunID   string         `json:"run_id,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Attempt int            `json:"attempt,omitempty"`
	Tool    string         `json:"tool"`
	Inputs  map[string]any `json:"inputs"`
}

// ToolExecReplyPayload is the schema for replies to tools.exec.{tool} requests.
type ToolExecReplyPayload struct {
	Outputs   map[string]any    `json:"outputs"`
	Artifacts []ArtifactPayload `json:"artifacts,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// ArtifactPayload is an artifact reported by a remote tool worker.
type ArtifactPayload struct {
	Type     string         `json:"type"`
	Path     string         `json:"path"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OutboxPayload is the envelope published on outbox.{topic}.
type OutboxPayload struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}
