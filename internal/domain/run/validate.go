package run

import (
	"fmt"

	"github.com/Strob0t/Runplane/internal/domain"
)

var validStatuses = map[Status]bool{
	StatusQueued:    true,
	StatusRunning:   true,
	StatusSucceeded: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

var validStepStatuses = map[StepStatus]bool{
	StepQueued:    true,
	StepWaiting:   true,
	StepRunning:   true,
	StepCompleted: true,
	StepFailed:    true,
	StepCancelled: true,
}

// Validate checks that a CreateRequest carries a valid plan.
func (r *CreateRequest) Validate() error {
	return r.Plan.Validate()
}

// Validate checks that a CreateStepRequest has all required fields.
func (r *CreateStepRequest) Validate() error {
	if r.RunID == "" {
		return fmt.Errorf("run_id is required: %w", domain.ErrValidation)
	}
	if r.Name == "" {
		return fmt.Errorf("name is required: %w", domain.ErrValidation)
	}
	if r.Tool == "" {
		return fmt.Errorf("tool is required: %w", domain.ErrValidation)
	}
	if r.Inputs == nil {
		return fmt.Errorf("inputs are required: %w", domain.ErrValidation)
	}
	return nil
}

// Validate checks that a RunPatch carries a known status.
func (p *RunPatch) Validate() error {
	if p.Status != nil && !validStatuses[*p.Status] {
		return fmt.Errorf("invalid status %q: %w", *p.Status, domain.ErrValidation)
	}
	return nil
}

// Validate checks that a StepPatch carries a known status.
func (p *StepPatch) Validate() error {
	if p.Status != nil && !validStepStatuses[*p.Status] {
		return fmt.Errorf("invalid step status %q: %w", *p.Status, domain.ErrValidation)
	}
	return nil
}

// Validate checks a ListFilter's status.
func (f *ListFilter) Validate() error {
	if f.Status != "" && !validStatuses[f.Status] {
		return fmt.Errorf("invalid status %q: %w", f.Status, domain.ErrValidation)
	}
	return nil
}
