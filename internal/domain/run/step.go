package run

import (
	"fmt"
	"time"

	"github.com/Strob0t/Runplane/internal/domain"
)

// StepStatus represents the current state of a step.
type StepStatus string

const (
	StepQueued    StepStatus = "queued"
	StepWaiting   StepStatus = "waiting"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// IsRemaining reports whether the step still blocks its run from finishing.
func (s StepStatus) IsRemaining() bool {
	return s == StepQueued || s == StepWaiting || s == StepRunning
}

// IsRetryable reports whether retryStep may reset a step in this status.
func (s StepStatus) IsRetryable() bool {
	return s == StepFailed || s == StepWaiting
}

// CheckRetry returns an error wrapping domain.ErrNotRetryable unless s may
// be reset: it is failed or waiting, has attempts left under maxAttempts
// (zero means no cap) and r is not cancelled. Stores call it on the locked
// rows so concurrent retries cannot both pass.
func CheckRetry(s *Step, r *Run, maxAttempts int) error {
	switch {
	case !s.Status.IsRetryable():
		return fmt.Errorf("step %s is %s: %w", s.ID, s.Status, domain.ErrNotRetryable)
	case maxAttempts > 0 && s.Attempt >= maxAttempts:
		return fmt.Errorf("step %s used %d of %d retries: %w", s.ID, s.Attempt, maxAttempts, domain.ErrNotRetryable)
	case r.Status == StatusCancelled:
		return fmt.Errorf("run %s is cancelled: %w", r.ID, domain.ErrNotRetryable)
	}
	return nil
}

// IsTerminal reports whether the step has resolved.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepCancelled
}

// Step is one unit of work within a run.
type Step struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	Index          int        `json:"index"`
	Name           string     `json:"name"`
	Tool           string     `json:"tool"`
	Inputs         Values     `json:"inputs"`
	Outputs        Values     `json:"outputs,omitempty"`
	DependsOn      []string   `json:"depends_on,omitempty"`
	Status         StepStatus `json:"status"`
	Attempt        int        `json:"attempt"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// InboxKey is the dedup key for the step.ready message of the step's
// current attempt.
func (s *Step) InboxKey() string {
	return InboxKey(s.RunID, s.ID, s.Attempt)
}

// InboxKey builds the dedup key runID:stepID:attempt.
func InboxKey(runID, stepID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, stepID, attempt)
}

// CreateStepRequest holds the fields needed to create a step.
// A non-empty GateType creates the step parked behind a manual gate.
type CreateStepRequest struct {
	RunID          string   `json:"run_id"`
	Index          int      `json:"index"`
	Name           string   `json:"name"`
	Tool           string   `json:"tool"`
	Inputs         Values   `json:"inputs"`
	DependsOn      []string `json:"depends_on,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	GateType       string   `json:"gate_type,omitempty"`
}

// CreateOutcome tells whether CreateStep inserted a row or found an existing one.
type CreateOutcome string

const (
	OutcomeCreated  CreateOutcome = "created"
	OutcomeExisting CreateOutcome = "existing"
)

// CreateStepResult is the get-or-create result of CreateStep.
type CreateStepResult struct {
	Step    *Step         `json:"step"`
	Outcome CreateOutcome `json:"outcome"`
}

// Created reports whether this call inserted the step.
func (r CreateStepResult) Created() bool { return r.Outcome == OutcomeCreated }

// StepPatch is a partial update of a step. Nil fields are left unchanged.
type StepPatch struct {
	Status  *StepStatus `json:"status,omitempty"`
	Outputs Values      `json:"outputs,omitempty"`
	Error   *string     `json:"error,omitempty"`
}

// StepResult is what a successful tool execution hands back to the store.
type StepResult struct {
	Outputs   Values         `json:"outputs"`
	Artifacts []ArtifactSpec `json:"artifacts,omitempty"`
}

// StaleFilter selects steps stuck in a status for longer than a threshold.
type StaleFilter struct {
	Status    StepStatus
	OlderThan time.Time
	Limit     int
}
