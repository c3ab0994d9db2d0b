package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/event"
	"github.com/Strob0t/Runplane/internal/domain/outbox"
	"github.com/Strob0t/Runplane/internal/domain/run"
)

const gateColumns = `id, run_id, step_id, gate_type, approved, approved_by, approved_at, created_at`

func scanGate(row scannable) (run.Gate, error) {
	var g run.Gate
	err := row.Scan(&g.ID, &g.RunID, &g.StepID, &g.GateType, &g.Approved, &g.ApprovedBy, &g.ApprovedAt, &g.CreatedAt)
	return g, err
}

// createOrGetGate relies on UNIQUE (run_id, step_id, gate_type); created is
// false when the gate already existed.
func (t *txn) createOrGetGate(ctx context.Context, runID, stepID, gateType string) (*run.Gate, bool, error) {
	g, err := scanGate(t.QueryRow(ctx,
		`INSERT INTO gates (run_id, step_id, gate_type, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, step_id, gate_type) DO NOTHING
		 RETURNING `+gateColumns, runID, stepID, gateType, t.now))
	if err == nil {
		return &g, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	g, err = scanGate(t.QueryRow(ctx,
		`SELECT `+gateColumns+` FROM gates WHERE run_id = $1 AND step_id = $2 AND gate_type = $3`,
		runID, stepID, gateType))
	if err != nil {
		return nil, false, err
	}
	return &g, false, nil
}

func (t *txn) latestGate(ctx context.Context, runID, stepID string) (*run.Gate, error) {
	g, err := scanGate(t.QueryRow(ctx,
		`SELECT `+gateColumns+` FROM gates WHERE run_id = $1 AND step_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`, runID, stepID))
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// lockGate locks the gate's run, then the gate row.
func (t *txn) lockGate(ctx context.Context, op, id string) (*run.Gate, *run.Run, error) {
	if err := checkID(op, "gate", id); err != nil {
		return nil, nil, err
	}
	var runID string
	if err := t.QueryRow(ctx, `SELECT run_id FROM gates WHERE id = $1`, id).Scan(&runID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, domain.NewStoreError(op, domain.StoreNotFound, fmt.Errorf("gate %s", id))
		}
		return nil, nil, err
	}
	r, err := t.lockRun(ctx, op, runID)
	if err != nil {
		return nil, nil, err
	}
	g, err := scanGate(t.QueryRow(ctx, `SELECT `+gateColumns+` FROM gates WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, nil, err
	}
	return &g, r, nil
}

// stepInRun locks the step and checks that it belongs to runID.
func (t *txn) stepInRun(ctx context.Context, op, runID, stepID string) (*run.Step, error) {
	st, _, err := t.lockStep(ctx, op, stepID)
	if err != nil {
		return nil, err
	}
	if st.RunID != runID {
		return nil, domain.NewStoreError(op, domain.StoreNotFound,
			fmt.Errorf("step %s not in run %s", stepID, runID))
	}
	return st, nil
}

func (s *Store) CreateOrGetGate(ctx context.Context, runID, stepID, gateType string) (*run.Gate, error) {
	var out run.Gate
	err := s.write(ctx, "create gate", func(ctx context.Context, tx *txn) error {
		if _, err := tx.stepInRun(ctx, "create gate", runID, stepID); err != nil {
			return err
		}
		g, _, err := tx.createOrGetGate(ctx, runID, stepID, gateType)
		if err != nil {
			return err
		}
		out = *g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetGate(ctx context.Context, id string) (*run.Gate, error) {
	if err := checkID("get gate", "gate", id); err != nil {
		return nil, err
	}
	g, err := scanGate(s.pool.QueryRow(ctx, `SELECT `+gateColumns+` FROM gates WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get gate "+id, err)
	}
	return &g, nil
}

func (s *Store) GetLatestGate(ctx context.Context, runID, stepID string) (*run.Gate, error) {
	if err := checkID("latest gate", "step", stepID); err != nil {
		return nil, err
	}
	if err := checkID("latest gate", "run", runID); err != nil {
		return nil, err
	}
	g, err := scanGate(s.pool.QueryRow(ctx,
		`SELECT `+gateColumns+` FROM gates WHERE run_id = $1 AND step_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`, runID, stepID))
	if err != nil {
		return nil, mapErr("latest gate for step "+stepID, err)
	}
	return &g, nil
}

func (s *Store) ListGates(ctx context.Context, runID string) ([]run.Gate, error) {
	if checkID("list gates", "run", runID) != nil {
		return []run.Gate{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+gateColumns+` FROM gates WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, mapErr("list gates "+runID, err)
	}
	defer rows.Close()

	gates := []run.Gate{}
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gate: %w", err)
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

func (s *Store) UpdateGate(ctx context.Context, id string, patch run.GatePatch) (*run.Gate, error) {
	var out run.Gate
	err := s.write(ctx, "update gate", func(ctx context.Context, tx *txn) error {
		g, _, err := tx.lockGate(ctx, "update gate", id)
		if err != nil {
			return err
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
		if err := tx.saveGate(ctx, g); err != nil {
			return err
		}
		out = *g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *txn) saveGate(ctx context.Context, g *run.Gate) error {
	_, err := t.Exec(ctx,
		`UPDATE gates SET approved = $2, approved_by = $3, approved_at = $4 WHERE id = $1`,
		g.ID, g.Approved, g.ApprovedBy, g.ApprovedAt)
	return err
}

func (s *Store) OpenGate(ctx context.Context, runID, stepID, gateType string) (*run.Gate, error) {
	var out run.Gate
	err := s.write(ctx, "open gate", func(ctx context.Context, tx *txn) error {
		st, err := tx.stepInRun(ctx, "open gate", runID, stepID)
		if err != nil {
			return err
		}
		g, created, err := tx.createOrGetGate(ctx, runID, stepID, gateType)
		if err != nil {
			return err
		}
		parked := false
		if !g.Approved && st.Status == run.StepQueued {
			st.Status = run.StepWaiting
			if err := tx.saveStep(ctx, st); err != nil {
				return err
			}
			parked = true
		}
		if created || parked {
			if _, err := tx.record(ctx, runID, stepID, event.TypeGateOpened, map[string]any{
				"gate_id":   g.ID,
				"gate_type": g.GateType,
			}); err != nil {
				return err
			}
		}
		out = *g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ApproveGate(ctx context.Context, id, approvedBy string) (*run.Gate, bool, error) {
	var (
		out     run.Gate
		changed bool
	)
	err := s.write(ctx, "approve gate", func(ctx context.Context, tx *txn) error {
		changed = false
		g, r, err := tx.lockGate(ctx, "approve gate", id)
		if err != nil {
			return err
		}
		if g.Approved {
			out = *g
			return nil
		}

		now := tx.now
		g.Approved = true
		g.ApprovedBy = approvedBy
		g.ApprovedAt = &now
		if err := tx.saveGate(ctx, g); err != nil {
			return err
		}

		st, err := scanStep(tx.QueryRow(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = $1 FOR UPDATE`, g.StepID))
		if err != nil {
			return err
		}
		if !r.Status.IsTerminal() && st.Status == run.StepWaiting {
			st.Status = run.StepQueued
			if err := tx.saveStep(ctx, &st); err != nil {
				return err
			}
		}
		if _, err := tx.record(ctx, g.RunID, g.StepID, event.TypeGateApproved, map[string]any{
			"gate_id":     g.ID,
			"gate_type":   g.GateType,
			"approved_by": approvedBy,
			"status":      string(st.Status),
		}); err != nil {
			return err
		}
		if err := tx.addOutbox(ctx, outbox.TopicGateApproved, outbox.GateApproved{
			GateID:     g.ID,
			RunID:      g.RunID,
			StepID:     g.StepID,
			GateType:   g.GateType,
			ApprovedBy: approvedBy,
		}); err != nil {
			return err
		}
		changed = true
		out = *g
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &out, changed, nil
}
