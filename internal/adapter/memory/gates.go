package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/event"
	"github.com/Strob0t/Runplane/internal/domain/outbox"
	"github.com/Strob0t/Runplane/internal/domain/run"
)

func gateKey(runID, stepID, gateType string) string {
	return runID + "|" + stepID + "|" + gateType
}

func (tx *txn) createOrGetGate(runID, stepID, gateType string) (*run.Gate, bool) {
	key := gateKey(runID, stepID, gateType)
	if id, ok := tx.s.gateKeys[key]; ok {
		return tx.s.gates[id], false
	}
	g := &run.Gate{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepID:    stepID,
		GateType:  gateType,
		CreatedAt: tx.now,
	}
	tx.s.gates[g.ID] = g
	tx.s.gateKeys[key] = g.ID
	return g, true
}

func (tx *txn) latestGate(runID, stepID string) (*run.Gate, bool) {
	var latest *run.Gate
	for _, g := range tx.s.gates {
		if g.RunID != runID || g.StepID != stepID {
			continue
		}
		if latest == nil || g.CreatedAt.After(latest.CreatedAt) {
			latest = g
		}
	}
	return latest, latest != nil
}

func (s *Store) CreateOrGetGate(_ context.Context, runID, stepID, gateType string) (*run.Gate, error) {
	var out run.Gate
	err := s.write(func(tx *txn) error {
		st, err := tx.getStep("create gate", stepID)
		if err != nil {
			return err
		}
		if st.RunID != runID {
			return domain.NewStoreError("create gate", domain.StoreNotFound,
				fmt.Errorf("step %s not in run %s", stepID, runID))
		}
		g, _ := tx.createOrGetGate(runID, stepID, gateType)
		out = *g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetGate(_ context.Context, id string) (*run.Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[id]
	if !ok {
		return nil, fmt.Errorf("get gate %s: %w", id, domain.ErrNotFound)
	}
	out := *g
	return &out, nil
}

func (s *Store) GetLatestGate(_ context.Context, runID, stepID string) (*run.Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &txn{s: s}
	g, ok := tx.latestGate(runID, stepID)
	if !ok {
		return nil, fmt.Errorf("latest gate for step %s: %w", stepID, domain.ErrNotFound)
	}
	out := *g
	return &out, nil
}

func (s *Store) ListGates(_ context.Context, runID string) ([]run.Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []run.Gate{}
	for _, id := range s.runSteps[runID] {
		for _, g := range s.gates {
			if g.StepID == id {
				out = append(out, *g)
			}
		}
	}
	return out, nil
}

func (s *Store) UpdateGate(_ context.Context, id string, patch run.GatePatch) (*run.Gate, error) {
	var out run.Gate
	err := s.write(func(tx *txn) error {
		g, ok := s.gates[id]
		if !ok {
			return domain.NewStoreError("update gate", domain.StoreNotFound, fmt.Errorf("gate %s", id))
		}
		if patch.Approved != nil {
			g.Approved = *patch.Approved
			if g.Approved && g.ApprovedAt == nil {
				now := tx.now
				g.ApprovedAt = &now
			}
			if !g.Approved {
				g.ApprovedAt = nil
			}
		}
		if patch.ApprovedBy != nil {
			g.ApprovedBy = *patch.ApprovedBy
		}
		out = *g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) OpenGate(_ context.Context, runID, stepID, gateType string) (*run.Gate, error) {
	var out run.Gate
	err := s.write(func(tx *txn) error {
		st, err := tx.getStep("open gate", stepID)
		if err != nil {
			return err
		}
		if st.RunID != runID {
			return domain.NewStoreError("open gate", domain.StoreNotFound,
				fmt.Errorf("step %s not in run %s", stepID, runID))
		}
		g, created := tx.createOrGetGate(runID, stepID, gateType)
		parked := false
		if !g.Approved && st.Status == run.StepQueued {
			st.Status = run.StepWaiting
			st.UpdatedAt = tx.now
			parked = true
		}
		if created || parked {
			tx.record(runID, stepID, event.TypeGateOpened, map[string]any{
				"gate_id":   g.ID,
				"gate_type": g.GateType,
			})
		}
		out = *g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ApproveGate(_ context.Context, id, approvedBy string) (*run.Gate, bool, error) {
	var (
		out     run.Gate
		changed bool
	)
	err := s.write(func(tx *txn) error {
		g, ok := s.gates[id]
		if !ok {
			return domain.NewStoreError("approve gate", domain.StoreNotFound, fmt.Errorf("gate %s", id))
		}
		if g.Approved {
			out = *g
			return nil
		}

		now := tx.now
		g.Approved = true
		g.ApprovedBy = approvedBy
		g.ApprovedAt = &now
		changed = true

		status := ""
		if st, ok := s.steps[g.StepID]; ok {
			if r, ok := s.runs[g.RunID]; ok && !r.Status.IsTerminal() && st.Status == run.StepWaiting {
				st.Status = run.StepQueued
				st.UpdatedAt = now
			}
			status = string(st.Status)
		}
		tx.record(g.RunID, g.StepID, event.TypeGateApproved, map[string]any{
			"gate_id":     g.ID,
			"gate_type":   g.GateType,
			"approved_by": approvedBy,
			"status":      status,
		})
		tx.addOutbox(outbox.TopicGateApproved, outbox.GateApproved{
			GateID:     g.ID,
			RunID:      g.RunID,
			StepID:     g.StepID,
			GateType:   g.GateType,
			ApprovedBy: approvedBy,
		})
		out = *g
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &out, changed, nil
}
