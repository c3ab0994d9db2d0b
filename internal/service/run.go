package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/Runplane/internal/domain/event"
	"github.com/Strob0t/Runplane/internal/domain/plan"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/logger"
	"github.com/Strob0t/Runplane/internal/port/database"
)

// RunService is the API the HTTP, MCP and CLI surfaces call.
type RunService struct {
	store      database.Store
	dispatcher *Dispatcher
	gates      *GateManager
	recovery   *RunRecovery
	timeline   *Timeline
}

// NewRunService creates a RunService.
func NewRunService(
	store database.Store,
	dispatcher *Dispatcher,
	gates *GateManager,
	recovery *RunRecovery,
	timeline *Timeline,
) *RunService {
	return &RunService{
		store:      store,
		dispatcher: dispatcher,
		gates:      gates,
		recovery:   recovery,
		timeline:   timeline,
	}
}

// CreateRun validates and starts a plan.
func (s *RunService) CreateRun(ctx context.Context, p plan.Plan, projectID string) (*run.Run, error) {
	return s.dispatcher.CreateRun(ctx, p, projectID)
}

// GetRun returns a run by id.
func (s *RunService) GetRun(ctx context.Context, id string) (*run.Run, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns returns one page of runs and the total matching the filter.
func (s *RunService) ListRuns(ctx context.Context, filter run.ListFilter) (*run.ListResult, error) {
	filter.Normalize()
	return s.store.ListRuns(ctx, filter)
}

// ListSteps returns the steps of a run in plan order.
func (s *RunService) ListSteps(ctx context.Context, runID string) ([]run.Step, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListSteps(ctx, runID)
}

// CancelRun cancels a run. Running steps finish but their results do not
// revive the run.
func (s *RunService) CancelRun(ctx context.Context, id, reason string) (*run.Run, error) {
	if reason == "" {
		reason = "cancelled by user"
	}
	r, err := s.store.CancelRun(ctx, id, reason)
	if err != nil {
		return nil, fmt.Errorf("cancel run: %w", err)
	}
	slog.InfoContext(logger.WithRunID(ctx, id), "run cancelled", "status", r.Status, "reason", reason)
	return r, nil
}

// RetryStep retries a failed or waiting step.
func (s *RunService) RetryStep(ctx context.Context, stepID string) (*run.Step, error) {
	return s.recovery.RetryStep(ctx, stepID)
}

// ApproveGate approves a manual gate.
func (s *RunService) ApproveGate(ctx context.Context, gateID, approvedBy string) (*run.Gate, error) {
	return s.gates.Approve(ctx, gateID, approvedBy)
}

// ListGates returns the gates of a run.
func (s *RunService) ListGates(ctx context.Context, runID string) ([]run.Gate, error) {
	return s.gates.ListGates(ctx, runID)
}

// GetRunTimeline returns the events of a run recorded so far.
func (s *RunService) GetRunTimeline(ctx context.Context, runID string) ([]event.Event, error) {
	return s.timeline.GetTimeline(ctx, runID)
}

// StreamTimeline streams the events of a run after afterSeq.
func (s *RunService) StreamTimeline(ctx context.Context, runID string, afterSeq int64) (<-chan event.Event, error) {
	return s.timeline.Subscribe(ctx, runID, afterSeq)
}

// ListArtifacts returns the artifacts recorded by the steps of a run.
func (s *RunService) ListArtifacts(ctx context.Context, runID string) ([]run.Artifact, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListArtifactsByRun(ctx, runID)
}

// InboxDelete releases an inbox key so the step attempt can be delivered
// again. Used by operators after a worker crashed mid-step.
func (s *RunService) InboxDelete(ctx context.Context, key string) error {
	return s.store.InboxDeleteKey(ctx, key)
}
