package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"

	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/event"
	"github.com/Strob0t/Runplane/internal/domain/plan"
	"github.com/Strob0t/Runplane/internal/domain/run"
)

func cloneStep(st *run.Step) run.Step {
	out := *st
	out.DependsOn = slices.Clone(st.DependsOn)
	return out
}

func (s *Store) CreateStep(_ context.Context, req run.CreateStepRequest) (run.CreateStepResult, error) {
	if err := req.Validate(); err != nil {
		return run.CreateStepResult{}, err
	}
	var res run.CreateStepResult
	err := s.write(func(tx *txn) error {
		if _, err := tx.getRun("create step", req.RunID); err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			if id, ok := s.stepKeys[req.IdempotencyKey]; ok {
				st := cloneStep(s.steps[id])
				res = run.CreateStepResult{Step: &st, Outcome: run.OutcomeExisting}
				return nil
			}
		}

		st := &run.Step{
			ID:             uuid.NewString(),
			RunID:          req.RunID,
			Index:          req.Index,
			Name:           req.Name,
			Tool:           req.Tool,
			Inputs:         req.Inputs,
			DependsOn:      slices.Clone(req.DependsOn),
			Status:         run.StepQueued,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      tx.now,
			UpdatedAt:      tx.now,
		}
		s.steps[st.ID] = st
		s.runSteps[st.RunID] = append(s.runSteps[st.RunID], st.ID)
		if st.IdempotencyKey != "" {
			s.stepKeys[st.IdempotencyKey] = st.ID
		}

		if req.GateType != "" {
			st.Status = run.StepWaiting
			g, _ := tx.createOrGetGate(st.RunID, st.ID, req.GateType)
			tx.record(st.RunID, st.ID, event.TypeGateOpened, map[string]any{
				"gate_id":   g.ID,
				"gate_type": g.GateType,
				"name":      st.Name,
				"tool":      st.Tool,
			})
		} else {
			tx.record(st.RunID, st.ID, event.TypeStepEnqueued, map[string]any{
				"name":    st.Name,
				"tool":    st.Tool,
				"attempt": st.Attempt,
			})
		}
		out := cloneStep(st)
		res = run.CreateStepResult{Step: &out, Outcome: run.OutcomeCreated}
		return nil
	})
	return res, err
}

func (s *Store) GetStep(_ context.Context, id string) (*run.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return nil, fmt.Errorf("get step %s: %w", id, domain.ErrNotFound)
	}
	out := cloneStep(st)
	return &out, nil
}

func (s *Store) ListSteps(_ context.Context, runID string) ([]run.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.runSteps[runID]
	out := make([]run.Step, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneStep(s.steps[id]))
	}
	return out, nil
}

func (s *Store) UpdateStep(_ context.Context, id string, patch run.StepPatch) (*run.Step, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	var out run.Step
	err := s.write(func(tx *txn) error {
		st, err := tx.getStep("update step", id)
		if err != nil {
			return err
		}
		payload := map[string]any{}
		if patch.Status != nil && *patch.Status != st.Status {
			payload["from"] = string(st.Status)
			payload["status"] = string(*patch.Status)
			st.Status = *patch.Status
			if st.Status.IsTerminal() {
				now := tx.now
				st.EndedAt = &now
			}
		}
		if patch.Outputs != nil {
			st.Outputs = patch.Outputs
		}
		if patch.Error != nil {
			st.Error = *patch.Error
			payload["error"] = st.Error
		}
		st.UpdatedAt = tx.now
		tx.record(st.RunID, st.ID, event.TypeStepUpdated, payload)
		out = cloneStep(st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetStep moves the step back to queued, or to waiting behind its gate
// when it is a manual step without an approval. A failed run is reopened
// and the steps cancelled by that failure are revived.
func (s *Store) ResetStep(_ context.Context, id string, maxAttempts int) (*run.Step, error) {
	var out run.Step
	err := s.write(func(tx *txn) error {
		st, err := tx.getStep("reset step", id)
		if err != nil {
			return err
		}
		r, err := tx.getRun("reset step", st.RunID)
		if err != nil {
			return err
		}
		if err := run.CheckRetry(st, r, maxAttempts); err != nil {
			return err
		}

		if r.Status == run.StatusFailed || r.Status == run.StatusSucceeded {
			from := r.Status
			r.Status = run.StatusRunning
			if r.StartedAt == nil {
				r.Status = run.StatusQueued
			}
			r.Error = ""
			r.EndedAt, r.CompletedAt = nil, nil
			r.UpdatedAt = tx.now
			tx.record(r.ID, "", event.TypeRunReset, map[string]any{"from": string(from)})

			for _, sib := range tx.stepsOf(r.ID) {
				if sib.ID == st.ID || sib.Status != run.StepCancelled {
					continue
				}
				tx.revive(sib)
				tx.record(r.ID, sib.ID, event.TypeStepRequeued, map[string]any{
					"status":  string(sib.Status),
					"attempt": sib.Attempt,
				})
			}
		}

		from := st.Status
		st.Attempt++
		st.Error = ""
		st.Outputs = nil
		tx.revive(st)
		tx.record(st.RunID, st.ID, event.TypeStepRetried, map[string]any{
			"from":    string(from),
			"status":  string(st.Status),
			"attempt": st.Attempt,
		})
		out = cloneStep(st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// revive clears a step's timestamps and parks it as queued or waiting.
func (tx *txn) revive(st *run.Step) {
	st.Status = run.StepQueued
	if gt := plan.GateType(st.Tool); gt != "" {
		g, created := tx.createOrGetGate(st.RunID, st.ID, gt)
		if created {
			tx.record(st.RunID, st.ID, event.TypeGateOpened, map[string]any{
				"gate_id":   g.ID,
				"gate_type": g.GateType,
			})
		}
		if !g.Approved {
			st.Status = run.StepWaiting
		}
	}
	st.StartedAt, st.EndedAt, st.CompletedAt = nil, nil, nil
	st.UpdatedAt = tx.now
}

func (s *Store) CountRemainingSteps(_ context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &txn{s: s}
	rem, _, _ := tx.remaining(runID)
	return rem, nil
}

func (s *Store) StartStep(_ context.Context, id string) (*run.Step, error) {
	var out run.Step
	err := s.write(func(tx *txn) error {
		st, err := tx.getStep("start step", id)
		if err != nil {
			return err
		}
		if st.Status != run.StepQueued {
			return domain.NewStoreError("start step", domain.StoreConflict,
				fmt.Errorf("step %s is %s, not queued", id, st.Status))
		}
		r, err := tx.getRun("start step", st.RunID)
		if err != nil {
			return err
		}
		if r.Status.IsTerminal() {
			tx.setStepEnded(st, run.StepCancelled)
			tx.record(r.ID, st.ID, event.TypeStepCancelled, map[string]any{"reason": "run " + string(r.Status)})
			out = cloneStep(st)
			return nil
		}
		if gt := plan.GateType(st.Tool); gt != "" {
			g, ok := tx.latestGate(st.RunID, st.ID)
			if !ok || !g.Approved {
				return domain.NewStoreError("start step", domain.StoreConflict,
					fmt.Errorf("step %s requires an approved %s gate", id, gt))
			}
		}

		now := tx.now
		if r.Status == run.StatusQueued {
			r.Status = run.StatusRunning
			r.StartedAt = &now
			r.UpdatedAt = now
			tx.record(r.ID, "", event.TypeRunStarted, nil)
		}

		st.Status = run.StepRunning
		st.StartedAt = &now
		st.UpdatedAt = now
		tx.record(r.ID, st.ID, event.TypeStepStarted, map[string]any{"attempt": st.Attempt})
		out = cloneStep(st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) CompleteStep(_ context.Context, id string, result run.StepResult) (*run.Step, error) {
	var out run.Step
	err := s.write(func(tx *txn) error {
		st, err := tx.getStep("complete step", id)
		if err != nil {
			return err
		}
		if st.Status != run.StepRunning {
			return domain.NewStoreError("complete step", domain.StoreConflict,
				fmt.Errorf("step %s is %s, not running", id, st.Status))
		}
		r, err := tx.getRun("complete step", st.RunID)
		if err != nil {
			return err
		}
		if r.Status.IsTerminal() {
			tx.setStepEnded(st, run.StepCancelled)
			tx.record(r.ID, st.ID, event.TypeStepCancelled, map[string]any{"reason": "run " + string(r.Status)})
			out = cloneStep(st)
			return nil
		}

		st.Outputs = result.Outputs
		tx.setStepEnded(st, run.StepCompleted)
		for _, a := range result.Artifacts {
			s.artifacts[r.ID] = append(s.artifacts[r.ID], run.Artifact{
				ID:        uuid.NewString(),
				RunID:     r.ID,
				StepID:    st.ID,
				Type:      a.Type,
				Path:      a.Path,
				Metadata:  a.Metadata,
				CreatedAt: tx.now,
			})
		}
		tx.record(r.ID, st.ID, event.TypeStepCompleted, map[string]any{
			"attempt":   st.Attempt,
			"artifacts": len(result.Artifacts),
		})

		if rem, _, failed := tx.remaining(r.ID); rem == 0 {
			if failed {
				tx.finish(r, run.StatusFailed, "")
			} else {
				tx.finish(r, run.StatusSucceeded, "")
			}
		}
		out = cloneStep(st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) FailStep(_ context.Context, id, reason string) (*run.Step, error) {
	var out run.Step
	err := s.write(func(tx *txn) error {
		st, err := tx.getStep("fail step", id)
		if err != nil {
			return err
		}
		if st.Status != run.StepRunning && st.Status != run.StepQueued {
			return domain.NewStoreError("fail step", domain.StoreConflict,
				fmt.Errorf("step %s is %s", id, st.Status))
		}
		r, err := tx.getRun("fail step", st.RunID)
		if err != nil {
			return err
		}

		st.Error = reason
		tx.setStepEnded(st, run.StepFailed)
		tx.record(r.ID, st.ID, event.TypeStepFailed, map[string]any{
			"attempt": st.Attempt,
			"error":   reason,
		})

		if !r.Status.IsTerminal() {
			tx.cancelPending(r.ID, "step "+st.Name+" failed")
			if _, running, _ := tx.remaining(r.ID); running == 0 {
				tx.finish(r, run.StatusFailed, fmt.Sprintf("step %s failed: %s", st.Name, reason))
			}
		}
		out = cloneStep(st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ListStaleSteps(_ context.Context, filter run.StaleFilter) ([]run.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []run.Step
	for _, st := range s.steps {
		if st.Status == filter.Status && st.UpdatedAt.Before(filter.OlderThan) {
			out = append(out, cloneStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
