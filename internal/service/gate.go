package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/plan"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/logger"
	"github.com/Strob0t/Runplane/internal/port/database"
)

// GateManager handles manual-approval gates: none -> waiting -> approved ->
// re-enqueued.
type GateManager struct {
	store      database.Store
	dispatcher *Dispatcher
}

func NewGateManager(store database.Store, dispatcher *Dispatcher) *GateManager {
	return &GateManager{store: store, dispatcher: dispatcher}
}

// IsManual reports whether tool must pass a gate before it runs.
func (g *GateManager) IsManual(tool string) bool {
	return plan.IsManualTool(tool)
}

// GateType returns the gate type of a manual tool, or "".
func (g *GateManager) GateType(tool string) string {
	return plan.GateType(tool)
}

// Open get-or-creates the gate for a manual step and parks the step in waiting.
func (g *GateManager) Open(ctx context.Context, runID, stepID string) (*run.Gate, error) {
	s, err := g.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	if s.RunID != runID {
		return nil, fmt.Errorf("step %s does not belong to run %s: %w", stepID, runID, domain.ErrNotFound)
	}
	gt := plan.GateType(s.Tool)
	if gt == "" {
		return nil, fmt.Errorf("step %s tool %q is not manual: %w", stepID, s.Tool, domain.ErrValidation)
	}
	gate, err := g.store.OpenGate(ctx, runID, stepID, gt)
	if err != nil {
		return nil, fmt.Errorf("open gate: %w", err)
	}
	return gate, nil
}

// Approve approves the gate. Only the first approval requeues and enqueues
// the step, and only once its dependencies are met; approving again
// returns the gate unchanged.
func (g *GateManager) Approve(ctx context.Context, gateID, approvedBy string) (*run.Gate, error) {
	gate, changed, err := g.store.ApproveGate(ctx, gateID, approvedBy)
	if err != nil {
		return nil, fmt.Errorf("approve gate: %w", err)
	}
	ctx = logger.WithRunID(ctx, gate.RunID)
	if !changed {
		slog.InfoContext(ctx, "gate already approved", "gate_id", gate.ID)
		return gate, nil
	}
	slog.InfoContext(ctx, "gate approved", "gate_id", gate.ID, "step_id", gate.StepID, "approved_by", approvedBy)

	steps, err := g.store.ListSteps(ctx, gate.RunID)
	if err != nil {
		return gate, fmt.Errorf("list steps: %w", err)
	}
	for i := range steps {
		s := &steps[i]
		if s.ID != gate.StepID {
			continue
		}
		if s.Status == run.StepQueued && run.DependenciesMet(s, steps) {
			if err := g.dispatcher.EnqueueStep(ctx, s); err != nil {
				return gate, err
			}
		}
		break
	}
	return gate, nil
}

// ListGates returns the gates of runID.
func (g *GateManager) ListGates(ctx context.Context, runID string) ([]run.Gate, error) {
	if _, err := g.store.GetRun(ctx, runID); err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return g.store.ListGates(ctx, runID)
}
