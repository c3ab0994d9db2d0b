package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Strob0t/Runplane/internal/adapter/otel"
	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/plan"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/logger"
	"github.com/Strob0t/Runplane/internal/port/database"
	"github.com/Strob0t/Runplane/internal/port/messagequeue"
	"github.com/Strob0t/Runplane/internal/resilience"
)

// Prefixes of the error recorded on runs aborted during dispatch.
const (
	reasonQueueUnavailable = "QueueUnavailable"
	reasonIncompletePlan   = "IncompletePlan"
)

// Dispatcher turns a Plan into a Run with persisted steps and enqueues the
// steps that are ready. Step rows and their events are always written
// before the matching enqueue, so a crash in between leaves a queued step
// that the reconciler picks up.
type Dispatcher struct {
	store   database.Store
	queue   messagequeue.Queue
	policy  resilience.Policy
	metrics *otel.Metrics
}

// NewDispatcher creates a Dispatcher. policy bounds enqueue retries.
func NewDispatcher(store database.Store, queue messagequeue.Queue, policy resilience.Policy, metrics *otel.Metrics) *Dispatcher {
	return &Dispatcher{store: store, queue: queue, policy: policy, metrics: metrics}
}

// StepKey returns the idempotency key used for the step at index when the
// plan does not supply one.
func StepKey(runID string, index int) string {
	return runID + ":" + strconv.Itoa(index)
}

// CreateRun validates p, persists the run and its steps, and enqueues every
// step whose dependencies are met. Manual steps are created waiting behind
// a gate. When the queue stays unavailable after all retries the run is
// aborted and the error wraps domain.ErrQueueUnavailable. A run whose steps
// cannot all be created is aborted before anything is enqueued, so a
// partial plan never executes.
func (d *Dispatcher) CreateRun(ctx context.Context, p plan.Plan, projectID string) (*run.Run, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	ctx, span := otel.StartDispatchSpan(ctx, projectID, len(p.Steps))
	var spanErr error
	defer func() { otel.EndSpan(span, spanErr) }()

	r, err := d.store.CreateRun(ctx, run.CreateRequest{Plan: p, ProjectID: projectID})
	if err != nil {
		spanErr = err
		return nil, fmt.Errorf("create run: %w", err)
	}
	ctx = logger.WithRunID(ctx, r.ID)
	d.metrics.RunCreated(ctx)

	created, all, err := d.createSteps(ctx, r.ID, p)
	if err != nil {
		spanErr = err
		return nil, d.abort(ctx, r.ID, reasonIncompletePlan, err)
	}

	for i := range created {
		s := &created[i]
		if s.Status != run.StepQueued || !run.DependenciesMet(s, all) {
			continue
		}
		if err := d.EnqueueStep(ctx, s); err != nil {
			spanErr = err
			return nil, d.abort(ctx, r.ID, reasonQueueUnavailable, err)
		}
	}

	slog.InfoContext(ctx, "run created", "steps", len(all), "project_id", projectID)
	return r, nil
}

// createSteps persists one step per plan entry. Store outages are retried
// with the dispatch policy. A plan key already owned by another run is a
// conflict: that step cannot be part of this run.
func (d *Dispatcher) createSteps(ctx context.Context, runID string, p plan.Plan) (created, all []run.Step, err error) {
	created = make([]run.Step, 0, len(p.Steps))
	all = make([]run.Step, 0, len(p.Steps))
	for i := range p.Steps {
		spec := &p.Steps[i]
		req := run.CreateStepRequest{
			RunID:          runID,
			Index:          i,
			Name:           spec.Name,
			Tool:           spec.Tool,
			Inputs:         spec.Inputs,
			DependsOn:      spec.DependsOn,
			IdempotencyKey: spec.IdempotencyKey,
			GateType:       plan.GateType(spec.Tool),
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = StepKey(runID, i)
		}

		var res run.CreateStepResult
		err := resilience.Retry(ctx, d.policy, func(ctx context.Context) error {
			var err error
			res, err = d.store.CreateStep(ctx, req)
			if err != nil && !errors.Is(err, domain.ErrUnavailable) {
				return resilience.Permanent(err)
			}
			return err
		}, func(err error, wait time.Duration) {
			slog.WarnContext(ctx, "create step failed, retrying", "step", spec.Name, "wait", wait, "error", err)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create step %q: %w", spec.Name, err)
		}
		if res.Step.RunID != runID {
			return nil, nil, fmt.Errorf("step %q: idempotency key %q is used by run %s: %w",
				spec.Name, req.IdempotencyKey, res.Step.RunID, domain.ErrConflict)
		}
		all = append(all, *res.Step)
		if res.Created() {
			created = append(created, *res.Step)
		}
	}
	return created, all, nil
}

// EnqueueStep publishes a steps.ready message for s, retrying with the
// dispatch policy. Exhaustion returns an error wrapping
// domain.ErrQueueUnavailable.
func (d *Dispatcher) EnqueueStep(ctx context.Context, s *run.Step) error {
	data, err := json.Marshal(messagequeue.StepReadyPayload{
		RunID:   s.RunID,
		StepID:  s.ID,
		Attempt: s.Attempt,
	})
	if err != nil {
		return fmt.Errorf("marshal step ready: %w", err)
	}

	err = resilience.Retry(ctx, d.policy, func(ctx context.Context) error {
		return d.queue.Publish(ctx, messagequeue.SubjectStepReady, data)
	}, func(err error, wait time.Duration) {
		d.metrics.EnqueueRetried(ctx)
		slog.WarnContext(ctx, "enqueue failed, retrying", "step_id", s.ID, "wait", wait, "error", err)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("enqueue step %s: %w: %w", s.ID, domain.ErrQueueUnavailable, err)
	}
	slog.DebugContext(ctx, "step enqueued", "step_id", s.ID, "attempt", s.Attempt)
	return nil
}

// EnqueueDependents enqueues the queued steps of runID that became ready
// once the step named completed finished.
func (d *Dispatcher) EnqueueDependents(ctx context.Context, runID, completed string) error {
	steps, err := d.store.ListSteps(ctx, runID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}
	for _, s := range run.ReadyDependents(completed, steps) {
		if err := d.EnqueueStep(ctx, &s); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueReady enqueues every queued step of runID whose dependencies are
// met. Steps that are already on the queue are dropped by the worker inbox.
func (d *Dispatcher) EnqueueReady(ctx context.Context, runID string) (int, error) {
	steps, err := d.store.ListSteps(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("list steps: %w", err)
	}
	n := 0
	for i := range steps {
		s := &steps[i]
		if s.Status != run.StepQueued || !run.DependenciesMet(s, steps) {
			continue
		}
		if err := d.EnqueueStep(ctx, s); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// AbortOnQueueFailure fails runID when err is a queue outage and returns err.
func (d *Dispatcher) AbortOnQueueFailure(ctx context.Context, runID string, err error) error {
	if !errors.Is(err, domain.ErrQueueUnavailable) {
		return err
	}
	return d.abort(ctx, runID, reasonQueueUnavailable, err)
}

// abort fails runID with prefix and cause as its error and returns cause.
// Store outages are retried; the run outlives a cancelled caller.
func (d *Dispatcher) abort(ctx context.Context, runID, prefix string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	reason := prefix + ": " + cause.Error()
	err := resilience.Retry(ctx, d.policy, func(ctx context.Context) error {
		_, err := d.store.AbortRun(ctx, runID, reason)
		if err != nil && !errors.Is(err, domain.ErrUnavailable) {
			return resilience.Permanent(err)
		}
		return err
	}, nil)
	if err != nil {
		slog.ErrorContext(ctx, "abort run failed", "reason", prefix, "error", err)
	}
	slog.ErrorContext(ctx, "run aborted", "reason", prefix, "error", cause)
	return cause
}
