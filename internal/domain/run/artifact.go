package run

import "time"

// Artifact references an output produced by a completed step.
type Artifact struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id"`
	Type      string         `json:"type"`
	Path      string         `json:"path"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ArtifactSpec is an artifact as reported by a tool, before it is persisted.
type ArtifactSpec struct {
	Type     string         `json:"type"`
	Path     string         `json:"path"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
