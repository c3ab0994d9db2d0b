package run

import "time"

// Gate is a manual-approval checkpoint. At most one gate exists per
// (run, step, gate type).
type Gate struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	StepID     string     `json:"step_id"`
	GateType   string     `json:"gate_type"`
	Approved   bool       `json:"approved"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// GatePatch is a partial update of a gate.
type GatePatch struct {
	Approved   *bool   `json:"approved,omitempty"`
	ApprovedBy *string `json:"approved_by,omitempty"`
}
