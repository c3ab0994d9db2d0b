package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/Runplane/internal/adapter/otel"
	"github.com/Strob0t/Runplane/internal/config"
	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/logger"
	"github.com/Strob0t/Runplane/internal/port/database"
	"github.com/Strob0t/Runplane/internal/port/messagequeue"
	"github.com/Strob0t/Runplane/internal/port/toolexec"
	"github.com/Strob0t/Runplane/internal/resilience"
	"github.com/Strob0t/Runplane/internal/secrets"
)

// Worker consumes steps.ready and drives each step through
// queued -> running -> completed|failed. A step attempt is executed by the
// worker that first marks its inbox key; duplicate deliveries are dropped.
type Worker struct {
	store      database.Store
	queue      messagequeue.Queue
	executor   toolexec.Executor
	dispatcher *Dispatcher
	redactor   *secrets.Redactor
	metrics    *otel.Metrics
	cfg        config.Worker
	writes     resilience.Policy // retries for store writes after a tool ran

	sem  *semaphore.Weighted
	base context.Context
	stop func()

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup // deliveries admitted before Stop
}

// ErrWorkerStopped is returned to the queue for deliveries that arrive
// after Stop, so they are redelivered elsewhere.
var ErrWorkerStopped = errors.New("worker stopped")

// NewWorker creates a Worker. writes bounds retries of the store writes
// that record a finished tool call.
func NewWorker(
	store database.Store,
	queue messagequeue.Queue,
	executor toolexec.Executor,
	dispatcher *Dispatcher,
	redactor *secrets.Redactor,
	cfg config.Worker,
	writes resilience.Policy,
	metrics *otel.Metrics,
) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if redactor == nil {
		redactor = secrets.NewRedactor(nil, 0)
	}
	return &Worker{
		store:      store,
		queue:      queue,
		executor:   executor,
		dispatcher: dispatcher,
		redactor:   redactor,
		metrics:    metrics,
		cfg:        cfg,
		writes:     writes,
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		base:       context.Background(),
	}
}

// Start subscribes to steps.ready. Handlers stop taking new work once ctx
// is done; in-flight steps keep running until Stop.
func (w *Worker) Start(ctx context.Context) error {
	w.base = context.WithoutCancel(ctx)
	cancel, err := w.queue.Subscribe(ctx, messagequeue.SubjectStepReady, func(msgCtx context.Context, _ string, data []byte) error {
		if !w.admit() {
			return ErrWorkerStopped
		}
		defer w.wg.Done()
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer w.sem.Release(1)
		return w.Handle(msgCtx, data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectStepReady, err)
	}
	w.stop = cancel
	slog.Info("worker started", "concurrency", w.cfg.Concurrency, "step_timeout", w.cfg.StepTimeout)
	return nil
}

// admit registers a delivery unless Stop has begun. Registration and the
// stopping flag share a lock, so no delivery is added while Stop waits.
func (w *Worker) admit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping {
		return false
	}
	w.wg.Add(1)
	return true
}

// Stop refuses new deliveries, cancels the subscription and waits for the
// admitted ones, including those still waiting for a concurrency slot.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()

	if w.stop != nil {
		w.stop()
	}
	w.wg.Wait()
}

// Handle processes one steps.ready message. A returned error asks the
// queue to redeliver; in that case the inbox key is released first.
func (w *Worker) Handle(ctx context.Context, data []byte) error {
	var msg messagequeue.StepReadyPayload
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.ErrorContext(ctx, "discarding malformed step message", "error", err)
		return nil
	}
	ctx = logger.WithRunID(ctx, msg.RunID)
	key := run.InboxKey(msg.RunID, msg.StepID, msg.Attempt)

	first, err := w.store.InboxMarkSeen(ctx, key)
	if err != nil {
		return fmt.Errorf("inbox mark seen: %w", err)
	}
	if !first {
		w.metrics.InboxDuplicate(ctx)
		slog.InfoContext(ctx, "duplicate step message dropped", "step_id", msg.StepID, "attempt", msg.Attempt)
		return nil
	}

	if err := w.process(ctx, msg); err != nil {
		if delErr := w.store.InboxDeleteKey(context.WithoutCancel(ctx), key); delErr != nil {
			slog.ErrorContext(ctx, "inbox release failed", "key", key, "error", delErr)
		}
		return err
	}
	return nil
}

func (w *Worker) process(ctx context.Context, msg messagequeue.StepReadyPayload) error {
	s, err := w.store.GetStep(ctx, msg.StepID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.WarnContext(ctx, "step message for unknown step", "step_id", msg.StepID)
			return nil
		}
		return fmt.Errorf("get step: %w", err)
	}
	if s.Attempt != msg.Attempt || s.Status != run.StepQueued {
		slog.InfoContext(ctx, "stale step message discarded",
			"step_id", s.ID, "status", s.Status, "attempt", s.Attempt, "message_attempt", msg.Attempt)
		return nil
	}

	started, err := w.store.StartStep(ctx, s.ID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			slog.InfoContext(ctx, "step not startable", "step_id", s.ID, "error", err)
			return nil
		}
		return fmt.Errorf("start step: %w", err)
	}
	if started.Status == run.StepCancelled {
		slog.InfoContext(ctx, "step cancelled with its run", "step_id", s.ID)
		return nil
	}

	w.execute(ctx, started)
	return nil
}

// execute runs the tool and records the outcome. Errors past this point do
// not redeliver: the tool may have side effects.
func (w *Worker) execute(ctx context.Context, s *run.Step) {
	w.metrics.StepStarted(ctx, s.Tool)
	execCtx := w.base
	if id := logger.RequestID(ctx); id != "" {
		execCtx = logger.WithRequestID(execCtx, id)
	}
	execCtx = logger.WithRunID(execCtx, s.RunID)
	if w.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, w.cfg.StepTimeout)
		defer cancel()
	}
	execCtx, span := otel.StartStepSpan(execCtx, s.RunID, s.ID, s.Tool, s.Attempt)

	start := time.Now()
	res, err := w.executor.Execute(execCtx, toolexec.Request{
		RunID:   s.RunID,
		StepID:  s.ID,
		Attempt: s.Attempt,
		Tool:    s.Tool,
		Inputs:  s.Inputs,
	})
	elapsed := time.Since(start)
	otel.EndSpan(span, err)

	writeCtx := context.WithoutCancel(ctx)
	if err != nil {
		w.metrics.StepFinished(ctx, s.Tool, string(run.StepFailed), elapsed)
		w.fail(writeCtx, s, &domain.ToolError{Tool: s.Tool, Err: err})
		return
	}
	w.metrics.StepFinished(ctx, s.Tool, string(run.StepCompleted), elapsed)
	w.complete(writeCtx, s, res)
}

func (w *Worker) complete(ctx context.Context, s *run.Step, res *toolexec.Result) {
	result := run.StepResult{Outputs: res.Outputs, Artifacts: res.Artifacts}
	if result.Outputs == nil {
		result.Outputs = run.Values{}
	}

	var done *run.Step
	err := resilience.Retry(ctx, w.writes, func(ctx context.Context) error {
		var err error
		done, err = w.store.CompleteStep(ctx, s.ID, result)
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
			return resilience.Permanent(err)
		}
		return err
	}, nil)
	if err != nil {
		slog.ErrorContext(ctx, "complete step failed", "step_id", s.ID, "error", err)
		return
	}
	slog.InfoContext(ctx, "step completed", "step_id", s.ID, "status", done.Status, "attempt", done.Attempt)
	if done.Status != run.StepCompleted {
		return
	}

	if err := w.dispatcher.EnqueueDependents(ctx, s.RunID, s.Name); err != nil {
		slog.ErrorContext(ctx, "enqueue dependents failed", "step_id", s.ID, "error", err)
		_ = w.dispatcher.AbortOnQueueFailure(ctx, s.RunID, err)
	}
}

func (w *Worker) fail(ctx context.Context, s *run.Step, toolErr error) {
	reason := w.redactor.Redact(toolErr.Error())
	err := resilience.Retry(ctx, w.writes, func(ctx context.Context) error {
		_, err := w.store.FailStep(ctx, s.ID, reason)
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			return resilience.Permanent(err)
		}
		return err
	}, nil)
	if err != nil {
		slog.ErrorContext(ctx, "fail step failed", "step_id", s.ID, "error", err)
		return
	}
	slog.WarnContext(ctx, "step failed", "step_id", s.ID, "attempt", s.Attempt, "error", reason)
}
