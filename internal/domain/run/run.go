// Package run defines the Run, Step, Gate and Artifact entities and the
// state machine that moves them between statuses.
package run

import (
	"time"

	"github.com/Strob0t/Runplane/internal/domain/plan"
)

// Values is the opaque JSON-like document carried as step inputs and outputs.
type Values = plan.Values

// Status represents the current state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the run can no longer make progress on its own.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Run is one execution of a Plan.
type Run struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id,omitempty"`
	Status      Status     `json:"status"`
	Plan        plan.Plan  `json:"plan"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CreateRequest holds the fields needed to create a run.
type CreateRequest struct {
	Plan      plan.Plan `json:"plan"`
	ProjectID string    `json:"project_id,omitempty"`
}

// RunPatch is a partial update of a run. Nil fields are left unchanged.
type RunPatch struct {
	Status *Status `json:"status,omitempty"`
	Error  *string `json:"error,omitempty"`
}

// ListFilter narrows ListRuns results.
type ListFilter struct {
	ProjectID string `json:"project_id,omitempty"`
	Status    Status `json:"status,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}

// DefaultListLimit is applied when ListFilter.Limit is zero.
const DefaultListLimit = 50

// MaxListLimit caps ListFilter.Limit.
const MaxListLimit = 500

// Normalize clamps Limit and Offset into their valid ranges.
func (f *ListFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// ListResult is one page of runs plus the unpaginated total.
type ListResult struct {
	Runs  []Run `json:"runs"`
	Total int   `json:"total"`
}
