package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/Runplane/internal/config"
	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/plan"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/logger"
	"github.com/Strob0t/Runplane/internal/port/database"
)

// reasonStaleRunning is recorded on steps failed by the stale-running sweep.
const reasonStaleRunning = "StaleRunning"

// SweepResult counts what one reconciliation pass repaired.
type SweepResult struct {
	Requeued    int `json:"requeued"`
	GatesOpened int `json:"gates_opened"`
	StaleFailed int `json:"stale_failed"`
}

// Reconciler repairs steps left behind by a crash between a store write
// and the matching enqueue or gate creation.
type Reconciler struct {
	store      database.Store
	dispatcher *Dispatcher
	cfg        config.Reconcile
	now        func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(store database.Store, dispatcher *Dispatcher, cfg config.Reconcile) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{store: store, dispatcher: dispatcher, cfg: cfg, now: time.Now}
}

// Run sweeps on every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	if !r.cfg.Enabled || r.cfg.Interval <= 0 {
		slog.Info("reconciler disabled")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	slog.Info("reconciler started", "interval", r.cfg.Interval, "queued_after", r.cfg.QueuedAfter)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := r.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				slog.Error("reconcile sweep failed", "error", err)
				continue
			}
			if res.Requeued+res.GatesOpened+res.StaleFailed > 0 {
				slog.Info("reconcile sweep repaired steps",
					"requeued", res.Requeued, "gates_opened", res.GatesOpened, "stale_failed", res.StaleFailed)
			}
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errs []error

	n, err := r.requeueStale(ctx)
	res.Requeued = n
	errs = append(errs, err)

	n, err = r.reopenGates(ctx)
	res.GatesOpened = n
	errs = append(errs, err)

	if r.cfg.StaleRunningAfter > 0 {
		n, err = r.failStaleRunning(ctx)
		res.StaleFailed = n
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// requeueStale re-enqueues queued steps that no worker has picked up. A
// step whose inbox key is already marked was seen by a worker and is
// left alone.
func (r *Reconciler) requeueStale(ctx context.Context) (int, error) {
	steps, err := r.store.ListStaleSteps(ctx, run.StaleFilter{
		Status:    run.StepQueued,
		OlderThan: r.now().Add(-r.cfg.QueuedAfter),
		Limit:     r.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale queued steps: %w", err)
	}

	siblings := make(map[string][]run.Step)
	requeued := 0
	for i := range steps {
		s := &steps[i]
		seen, err := r.store.InboxHas(ctx, s.InboxKey())
		if err != nil {
			return requeued, fmt.Errorf("inbox has: %w", err)
		}
		if seen {
			continue
		}

		all, ok := siblings[s.RunID]
		if !ok {
			rn, err := r.store.GetRun(ctx, s.RunID)
			if err != nil {
				return requeued, fmt.Errorf("get run: %w", err)
			}
			if rn.Status.IsTerminal() {
				siblings[s.RunID] = nil
				continue
			}
			if all, err = r.store.ListSteps(ctx, s.RunID); err != nil {
				return requeued, fmt.Errorf("list steps: %w", err)
			}
			siblings[s.RunID] = all
		}
		if all == nil || !run.DependenciesMet(s, all) {
			continue
		}

		if err := r.dispatcher.EnqueueStep(logger.WithRunID(ctx, s.RunID), s); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// reopenGates creates the missing gate of manual steps parked in waiting.
func (r *Reconciler) reopenGates(ctx context.Context) (int, error) {
	steps, err := r.store.ListStaleSteps(ctx, run.StaleFilter{
		Status:    run.StepWaiting,
		OlderThan: r.now().Add(-r.cfg.QueuedAfter),
		Limit:     r.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list waiting steps: %w", err)
	}

	opened := 0
	for i := range steps {
		s := &steps[i]
		gt := plan.GateType(s.Tool)
		if gt == "" {
			continue
		}
		_, err := r.store.GetLatestGate(ctx, s.RunID, s.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return opened, fmt.Errorf("get latest gate: %w", err)
		}
		if _, err := r.store.OpenGate(ctx, s.RunID, s.ID, gt); err != nil {
			return opened, fmt.Errorf("open gate: %w", err)
		}
		slog.InfoContext(logger.WithRunID(ctx, s.RunID), "gate reopened", "step_id", s.ID, "gate_type", gt)
		opened++
	}
	return opened, nil
}

// failStaleRunning fails steps whose worker vanished mid-execution.
func (r *Reconciler) failStaleRunning(ctx context.Context) (int, error) {
	steps, err := r.store.ListStaleSteps(ctx, run.StaleFilter{
		Status:    run.StepRunning,
		OlderThan: r.now().Add(-r.cfg.StaleRunningAfter),
		Limit:     r.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale running steps: %w", err)
	}

	failed := 0
	for i := range steps {
		s := &steps[i]
		reason := fmt.Sprintf("%s: running longer than %s", reasonStaleRunning, r.cfg.StaleRunningAfter)
		if _, err := r.store.FailStep(ctx, s.ID, reason); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return failed, fmt.Errorf("fail stale step: %w", err)
		}
		slog.WarnContext(logger.WithRunID(ctx, s.RunID), "stale running step failed", "step_id", s.ID, "attempt", s.Attempt)
		failed++
	}
	return failed, nil
}
