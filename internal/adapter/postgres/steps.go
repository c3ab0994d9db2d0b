package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/event"
	"github.com/Strob0t/Runplane/internal/domain/plan"
	"github.com/Strob0t/Runplane/internal/domain/run"
)

const stepColumns = `id, run_id, idx, name, tool, inputs, outputs, depends_on, status, attempt,
	COALESCE(idempotency_key, ''), error, created_at, updated_at, started_at, ended_at, completed_at`

func scanStep(row scannable) (run.Step, error) {
	var (
		st          run.Step
		status      string
		inputs, out []byte
	)
	err := row.Scan(&st.ID, &st.RunID, &st.Index, &st.Name, &st.Tool, &inputs, &out, &st.DependsOn,
		&status, &st.Attempt, &st.IdempotencyKey, &st.Error,
		&st.CreatedAt, &st.UpdatedAt, &st.StartedAt, &st.EndedAt, &st.CompletedAt)
	if err != nil {
		return st, err
	}
	st.Status = run.StepStatus(status)
	if st.Inputs, err = jsonMap(inputs); err != nil {
		return st, err
	}
	if st.Outputs, err = jsonMap(out); err != nil {
		return st, err
	}
	if len(st.DependsOn) == 0 {
		st.DependsOn = nil
	}
	return st, nil
}

func (t *txn) stepsOf(ctx context.Context, runID string) ([]*run.Step, error) {
	rows, err := t.Query(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = $1 ORDER BY idx, created_at FOR UPDATE`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*run.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// lockStep locks the step's run, then the step itself. Locking the run
// first keeps lock order consistent with run-level operations.
func (t *txn) lockStep(ctx context.Context, op, id string) (*run.Step, *run.Run, error) {
	if err := checkID(op, "step", id); err != nil {
		return nil, nil, err
	}
	var runID string
	if err := t.QueryRow(ctx, `SELECT run_id FROM steps WHERE id = $1`, id).Scan(&runID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, domain.NewStoreError(op, domain.StoreNotFound, fmt.Errorf("step %s", id))
		}
		return nil, nil, err
	}
	r, err := t.lockRun(ctx, op, runID)
	if err != nil {
		return nil, nil, err
	}
	st, err := scanStep(t.QueryRow(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, nil, err
	}
	return &st, r, nil
}

func (t *txn) saveStep(ctx context.Context, st *run.Step) error {
	outputs, err := jsonArg(st.Outputs, true)
	if err != nil {
		return err
	}
	st.UpdatedAt = t.now
	_, err = t.Exec(ctx,
		`UPDATE steps SET status = $2, attempt = $3, outputs = $4, error = $5,
		        updated_at = $6, started_at = $7, ended_at = $8, completed_at = $9
		 WHERE id = $1`,
		st.ID, string(st.Status), st.Attempt, outputs, st.Error,
		st.UpdatedAt, st.StartedAt, st.EndedAt, st.CompletedAt)
	return err
}

func (t *txn) setStepEnded(st *run.Step, status run.StepStatus) {
	now := t.now
	st.Status = status
	st.EndedAt = &now
	if status == run.StepCompleted {
		st.CompletedAt = &now
	}
}

func (t *txn) stepByKey(ctx context.Context, key string) (*run.Step, error) {
	st, err := scanStep(t.QueryRow(ctx, `SELECT `+stepColumns+` FROM steps WHERE idempotency_key = $1`, key))
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) CreateStep(ctx context.Context, req run.CreateStepRequest) (run.CreateStepResult, error) {
	if err := req.Validate(); err != nil {
		return run.CreateStepResult{}, err
	}
	inputs, err := jsonArg(req.Inputs, false)
	if err != nil {
		return run.CreateStepResult{}, err
	}

	var res run.CreateStepResult
	err = s.write(ctx, "create step", func(ctx context.Context, tx *txn) error {
		if _, err := tx.lockRun(ctx, "create step", req.RunID); err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			st, err := tx.stepByKey(ctx, req.IdempotencyKey)
			switch {
			case err == nil:
				res = run.CreateStepResult{Step: st, Outcome: run.OutcomeExisting}
				return nil
			case !errors.Is(err, pgx.ErrNoRows):
				return err
			}
		}

		status := run.StepQueued
		if req.GateType != "" {
			status = run.StepWaiting
		}
		st, err := scanStep(tx.QueryRow(ctx,
			`INSERT INTO steps (run_id, idx, name, tool, inputs, depends_on, status, idempotency_key, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			 ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
			 RETURNING `+stepColumns,
			req.RunID, req.Index, req.Name, req.Tool, inputs, pgTextArray(req.DependsOn),
			string(status), nullIfEmpty(req.IdempotencyKey), tx.now))
		if errors.Is(err, pgx.ErrNoRows) {
			// The key was taken by a step of another run after our lookup.
			existing, err := tx.stepByKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			res = run.CreateStepResult{Step: existing, Outcome: run.OutcomeExisting}
			return nil
		}
		if err != nil {
			return err
		}

		if req.GateType != "" {
			g, _, err := tx.createOrGetGate(ctx, st.RunID, st.ID, req.GateType)
			if err != nil {
				return err
			}
			_, err = tx.record(ctx, st.RunID, st.ID, event.TypeGateOpened, map[string]any{
				"gate_id":   g.ID,
				"gate_type": g.GateType,
				"name":      st.Name,
				"tool":      st.Tool,
			})
			if err != nil {
				return err
			}
		} else {
			_, err = tx.record(ctx, st.RunID, st.ID, event.TypeStepEnqueued, map[string]any{
				"name":    st.Name,
				"tool":    st.Tool,
				"attempt": st.Attempt,
			})
			if err != nil {
				return err
			}
		}
		res = run.CreateStepResult{Step: &st, Outcome: run.OutcomeCreated}
		return nil
	})
	return res, err
}

func (s *Store) GetStep(ctx context.Context, id string) (*run.Step, error) {
	if err := checkID("get step", "step", id); err != nil {
		return nil, err
	}
	st, err := scanStep(s.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get step "+id, err)
	}
	return &st, nil
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]run.Step, error) {
	if checkID("list steps", "run", runID) != nil {
		return []run.Step{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = $1 ORDER BY idx, created_at`, runID)
	if err != nil {
		return nil, mapErr("list steps "+runID, err)
	}
	defer rows.Close()

	steps := []run.Step{}
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *Store) UpdateStep(ctx context.Context, id string, patch run.StepPatch) (*run.Step, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	var out run.Step
	err := s.write(ctx, "update step", func(ctx context.Context, tx *txn) error {
		st, _, err := tx.lockStep(ctx, "update step", id)
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
		if err := tx.saveStep(ctx, st); err != nil {
			return err
		}
		if _, err := tx.record(ctx, st.RunID, st.ID, event.TypeStepUpdated, payload); err != nil {
			return err
		}
		out = *st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ResetStep moves the step back to queued, or to waiting behind its gate
// when it is a manual step without an approval. A finished run is reopened
// and the steps cancelled by its failure are revived.
func (s *Store) ResetStep(ctx context.Context, id string, maxAttempts int) (*run.Step, error) {
	var out run.Step
	err := s.write(ctx, "reset step", func(ctx context.Context, tx *txn) error {
		st, r, err := tx.lockStep(ctx, "reset step", id)
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
			if err := tx.saveRun(ctx, r); err != nil {
				return err
			}
			if _, err := tx.record(ctx, r.ID, "", event.TypeRunReset, map[string]any{"from": string(from)}); err != nil {
				return err
			}

			siblings, err := tx.stepsOf(ctx, r.ID)
			if err != nil {
				return err
			}
			for _, sib := range siblings {
				if sib.ID == st.ID || sib.Status != run.StepCancelled {
					continue
				}
				if err := tx.revive(ctx, sib); err != nil {
					return err
				}
				if _, err := tx.record(ctx, r.ID, sib.ID, event.TypeStepRequeued, map[string]any{
					"status":  string(sib.Status),
					"attempt": sib.Attempt,
				}); err != nil {
					return err
				}
			}
		}

		from := st.Status
		st.Attempt++
		st.Error = ""
		st.Outputs = nil
		if err := tx.revive(ctx, st); err != nil {
			return err
		}
		if _, err := tx.record(ctx, st.RunID, st.ID, event.TypeStepRetried, map[string]any{
			"from":    string(from),
			"status":  string(st.Status),
			"attempt": st.Attempt,
		}); err != nil {
			return err
		}
		out = *st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// revive clears a step's timestamps, parks it as queued or waiting and saves it.
func (t *txn) revive(ctx context.Context, st *run.Step) error {
	st.Status = run.StepQueued
	if gt := plan.GateType(st.Tool); gt != "" {
		g, created, err := t.createOrGetGate(ctx, st.RunID, st.ID, gt)
		if err != nil {
			return err
		}
		if created {
			if _, err := t.record(ctx, st.RunID, st.ID, event.TypeGateOpened, map[string]any{
				"gate_id":   g.ID,
				"gate_type": g.GateType,
			}); err != nil {
				return err
			}
		}
		if !g.Approved {
			st.Status = run.StepWaiting
		}
	}
	st.StartedAt, st.EndedAt, st.CompletedAt = nil, nil, nil
	return t.saveStep(ctx, st)
}

func (s *Store) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	if checkID("count remaining steps", "run", runID) != nil {
		return 0, nil
	}
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM steps WHERE run_id = $1 AND status IN ('queued', 'waiting', 'running')`,
		runID).Scan(&n)
	if err != nil {
		return 0, mapErr("count remaining steps", err)
	}
	return n, nil
}

func (s *Store) StartStep(ctx context.Context, id string) (*run.Step, error) {
	var out run.Step
	err := s.write(ctx, "start step", func(ctx context.Context, tx *txn) error {
		st, r, err := tx.lockStep(ctx, "start step", id)
		if err != nil {
			return err
		}
		if st.Status != run.StepQueued {
			return domain.NewStoreError("start step", domain.StoreConflict,
				fmt.Errorf("step %s is %s, not queued", id, st.Status))
		}
		if r.Status.IsTerminal() {
			tx.setStepEnded(st, run.StepCancelled)
			if err := tx.saveStep(ctx, st); err != nil {
				return err
			}
			if _, err := tx.record(ctx, r.ID, st.ID, event.TypeStepCancelled,
				map[string]any{"reason": "run " + string(r.Status)}); err != nil {
				return err
			}
			out = *st
			return nil
		}
		if gt := plan.GateType(st.Tool); gt != "" {
			g, err := tx.latestGate(ctx, st.RunID, st.ID)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			if g == nil || !g.Approved {
				return domain.NewStoreError("start step", domain.StoreConflict,
					fmt.Errorf("step %s requires an approved %s gate", id, gt))
			}
		}

		now := tx.now
		if r.Status == run.StatusQueued {
			r.Status = run.StatusRunning
			r.StartedAt = &now
			if err := tx.saveRun(ctx, r); err != nil {
				return err
			}
			if _, err := tx.record(ctx, r.ID, "", event.TypeRunStarted, nil); err != nil {
				return err
			}
		}

		st.Status = run.StepRunning
		st.StartedAt = &now
		if err := tx.saveStep(ctx, st); err != nil {
			return err
		}
		if _, err := tx.record(ctx, r.ID, st.ID, event.TypeStepStarted, map[string]any{"attempt": st.Attempt}); err != nil {
			return err
		}
		out = *st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) CompleteStep(ctx context.Context, id string, result run.StepResult) (*run.Step, error) {
	var out run.Step
	err := s.write(ctx, "complete step", func(ctx context.Context, tx *txn) error {
		st, r, err := tx.lockStep(ctx, "complete step", id)
		if err != nil {
			return err
		}
		if st.Status != run.StepRunning {
			return domain.NewStoreError("complete step", domain.StoreConflict,
				fmt.Errorf("step %s is %s, not running", id, st.Status))
		}
		if r.Status.IsTerminal() {
			tx.setStepEnded(st, run.StepCancelled)
			if err := tx.saveStep(ctx, st); err != nil {
				return err
			}
			if _, err := tx.record(ctx, r.ID, st.ID, event.TypeStepCancelled,
				map[string]any{"reason": "run " + string(r.Status)}); err != nil {
				return err
			}
			out = *st
			return nil
		}

		st.Outputs = result.Outputs
		tx.setStepEnded(st, run.StepCompleted)
		if err := tx.saveStep(ctx, st); err != nil {
			return err
		}
		for _, a := range result.Artifacts {
			if _, err := tx.insertArtifact(ctx, r.ID, st.ID, a); err != nil {
				return err
			}
		}
		if _, err := tx.record(ctx, r.ID, st.ID, event.TypeStepCompleted, map[string]any{
			"attempt":   st.Attempt,
			"artifacts": len(result.Artifacts),
		}); err != nil {
			return err
		}

		rem, _, failed, err := tx.remaining(ctx, r.ID)
		if err != nil {
			return err
		}
		if rem == 0 {
			status := run.StatusSucceeded
			if failed {
				status = run.StatusFailed
			}
			if err := tx.finish(ctx, r, status, ""); err != nil {
				return err
			}
		}
		out = *st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) FailStep(ctx context.Context, id, reason string) (*run.Step, error) {
	var out run.Step
	err := s.write(ctx, "fail step", func(ctx context.Context, tx *txn) error {
		st, r, err := tx.lockStep(ctx, "fail step", id)
		if err != nil {
			return err
		}
		if st.Status != run.StepRunning && st.Status != run.StepQueued {
			return domain.NewStoreError("fail step", domain.StoreConflict,
				fmt.Errorf("step %s is %s", id, st.Status))
		}

		st.Error = reason
		tx.setStepEnded(st, run.StepFailed)
		if err := tx.saveStep(ctx, st); err != nil {
			return err
		}
		if _, err := tx.record(ctx, r.ID, st.ID, event.TypeStepFailed, map[string]any{
			"attempt": st.Attempt,
			"error":   reason,
		}); err != nil {
			return err
		}

		if !r.Status.IsTerminal() {
			if err := tx.cancelPending(ctx, r.ID, "step "+st.Name+" failed"); err != nil {
				return err
			}
			_, running, _, err := tx.remaining(ctx, r.ID)
			if err != nil {
				return err
			}
			if running == 0 {
				if err := tx.finish(ctx, r, run.StatusFailed, fmt.Sprintf("step %s failed: %s", st.Name, reason)); err != nil {
					return err
				}
			}
		}
		out = *st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ListStaleSteps(ctx context.Context, filter run.StaleFilter) ([]run.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM steps
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at ASC LIMIT $3`,
		string(filter.Status), filter.OlderThan, limitArg(filter.Limit))
	if err != nil {
		return nil, mapErr("list stale steps", err)
	}
	defer rows.Close()

	var steps []run.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
