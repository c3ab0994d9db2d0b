package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/Runplane/internal/config"
	"github.com/Strob0t/Runplane/internal/domain/plan"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/port/toolexec"
	"github.com/Strob0t/Runplane/internal/service"
)

func newReconciler(h *harness, staleRunning time.Duration) *service.Reconciler {
	return service.NewReconciler(h.store, h.dispatcher, config.Reconcile{
		Enabled:           true,
		Interval:          time.Minute,
		StaleRunningAfter: staleRunning,
		BatchSize:         10,
	})
}

func TestReconciler_RequeuesLostMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.runs.CreateRun(ctx, plan.Plan{Goal: "demo", Steps: []plan.StepSpec{
		{Name: "a", Tool: "codegen", Inputs: plan.Values{}},
		{Name: "b", Tool: "codegen", Inputs: plan.Values{}, DependsOn: []string{"a"}},
	}}, "")
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash that lost the published message.
	h.queue.take()
	time.Sleep(time.Millisecond)

	res, err := newReconciler(h, 0).Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Requeued != 1 {
		t.Fatalf("expected only the ready step requeued, got %+v", res)
	}
	h.process(t)

	got, _ := h.runs.GetRun(ctx, r.ID)
	if got.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded after reconcile, got %s", got.Status)
	}
}

func TestReconciler_SkipsSeenAndTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.runs.CreateRun(ctx, singleStepPlan("codegen"), "")
	if err != nil {
		t.Fatal(err)
	}
	h.queue.take()
	a := stepByName(t, h, r.ID, "a")
	// A worker marked the attempt and then died before StartStep.
	if _, err := h.store.InboxMarkSeen(ctx, a.InboxKey()); err != nil {
		t.Fatal(err)
	}

	cancelled, err := h.runs.CreateRun(ctx, singleStepPlan("codegen"), "")
	if err != nil {
		t.Fatal(err)
	}
	h.queue.take()
	if _, err := h.runs.CancelRun(ctx, cancelled.ID, ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)

	res, err := newReconciler(h, 0).Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Requeued != 0 || h.queue.count() != 0 {
		t.Fatalf("expected nothing requeued, got %+v", res)
	}

	// Releasing the inbox key makes the attempt eligible again.
	if err := h.runs.InboxDelete(ctx, a.InboxKey()); err != nil {
		t.Fatal(err)
	}
	res, err = newReconciler(h, 0).Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Requeued != 1 {
		t.Fatalf("expected one requeue after inbox delete, got %+v", res)
	}
}

func TestReconciler_ReopensMissingGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.runs.CreateRun(ctx, singleStepPlan("codegen"), "")
	if err != nil {
		t.Fatal(err)
	}
	h.queue.take()
	// A manual step parked in waiting without its gate row.
	res0, err := h.store.CreateStep(ctx, run.CreateStepRequest{
		RunID: r.ID, Index: 1, Name: "deploy", Tool: "manual:deploy", Inputs: run.Values{}, IdempotencyKey: "deploy",
	})
	if err != nil {
		t.Fatal(err)
	}
	waiting := run.StepWaiting
	if _, err := h.store.UpdateStep(ctx, res0.Step.ID, run.StepPatch{Status: &waiting}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)

	res, err := newReconciler(h, 0).Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.GatesOpened != 1 {
		t.Fatalf("expected one gate opened, got %+v", res)
	}
	gates, _ := h.runs.ListGates(ctx, r.ID)
	if len(gates) != 1 || gates[0].GateType != "deploy" || gates[0].Approved {
		t.Fatalf("expected one open deploy gate, got %+v", gates)
	}

	// A second pass finds the gate and leaves it alone.
	res, err = newReconciler(h, 0).Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.GatesOpened != 0 {
		t.Fatalf("expected no new gate, got %+v", res)
	}
}

func TestReconciler_FailsStaleRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	block := make(chan struct{})
	started := make(chan struct{})
	h.tools.Register("hang", toolexec.ExecutorFunc(func(ctx context.Context, _ toolexec.Request) (*toolexec.Result, error) {
		close(started)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &toolexec.Result{Outputs: run.Values{}}, nil
	}))
	r, err := h.runs.CreateRun(ctx, singleStepPlan("hang"), "")
	if err != nil {
		t.Fatal(err)
	}
	msgs := h.queue.take()
	done := make(chan error, 1)
	go func() { done <- h.worker.Handle(ctx, msgs[0]) }()
	<-started
	time.Sleep(5 * time.Millisecond)

	res, err := newReconciler(h, time.Millisecond).Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.StaleFailed != 1 {
		t.Fatalf("expected one stale step failed, got %+v", res)
	}
	a := stepByName(t, h, r.ID, "a")
	if a.Status != run.StepFailed || !strings.HasPrefix(a.Error, "StaleRunning") {
		t.Fatalf("expected StaleRunning failure, got %s %q", a.Status, a.Error)
	}

	// The late result is rejected and does not revive the step.
	close(block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	a = stepByName(t, h, r.ID, "a")
	if a.Status != run.StepFailed {
		t.Fatalf("expected step to stay failed, got %s", a.Status)
	}
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	rec := service.NewReconciler(h.store, h.dispatcher, config.Reconcile{Enabled: true, Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
