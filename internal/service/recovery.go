package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/logger"
	"github.com/Strob0t/Runplane/internal/port/database"
)

// RunRecovery retries failed or stuck steps within a per-step attempt cap.
type RunRecovery struct {
	store       database.Store
	dispatcher  *Dispatcher
	maxAttempts int
}

// NewRunRecovery creates a RunRecovery. maxAttempts caps the retries of a
// single step; zero disables the cap.
func NewRunRecovery(store database.Store, dispatcher *Dispatcher, maxAttempts int) *RunRecovery {
	return &RunRecovery{store: store, dispatcher: dispatcher, maxAttempts: maxAttempts}
}

// RetryStep resets a failed or waiting step and enqueues it again, or
// leaves it waiting when its gate is not approved yet. Steps that were
// cancelled by the failure are revived and enqueued once ready. The
// retryable check runs inside the store's reset so two concurrent retries
// cannot both reset the same attempt.
func (rr *RunRecovery) RetryStep(ctx context.Context, stepID string) (*run.Step, error) {
	reset, err := rr.store.ResetStep(ctx, stepID, rr.maxAttempts)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("step %s: %w", stepID, domain.ErrNotFound)
	case errors.Is(err, domain.ErrNotRetryable):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("reset step: %w", err)
	}
	ctx = logger.WithRunID(ctx, reset.RunID)
	slog.InfoContext(ctx, "step retried", "step_id", reset.ID, "attempt", reset.Attempt, "status", reset.Status)

	if _, err := rr.dispatcher.EnqueueReady(ctx, reset.RunID); err != nil {
		return reset, err
	}
	return reset, nil
}
