package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/Strob0t/Runplane/internal/adapter/memory"
	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/event"
	"github.com/Strob0t/Runplane/internal/domain/plan"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/service"
)

func TestCreateRun_FanOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := plan.Plan{Goal: "demo", Steps: []plan.StepSpec{
		{Name: "a", Tool: "codegen", Inputs: plan.Values{}},
		{Name: "b", Tool: "codegen", Inputs: plan.Values{}},
		{Name: "deploy", Tool: "manual:deploy", Inputs: plan.Values{}, DependsOn: []string{"a"}},
	}}
	r, err := h.runs.CreateRun(ctx, p, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != run.StatusQueued {
		t.Fatalf("expected queued run, got %s", r.Status)
	}

	steps, err := h.store.ListSteps(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for _, s := range steps {
		want := run.StepQueued
		if s.Tool == "manual:deploy" {
			want = run.StepWaiting
		}
		if s.Status != want {
			t.Errorf("step %s: expected %s, got %s", s.Name, want, s.Status)
		}
	}

	types := h.eventTypes(t, r.ID)
	if len(types) != 4 {
		t.Fatalf("expected 4 events, got %v", types)
	}
	if types[0] != event.TypeRunCreated || countType(types, event.TypeStepEnqueued) != 2 || countType(types, event.TypeGateOpened) != 1 {
		t.Fatalf("unexpected events %v", types)
	}

	// Only the two independent queued steps are published.
	if n := h.queue.count(); n != 2 {
		t.Fatalf("expected 2 enqueues, got %d", n)
	}
}

func TestCreateRun_DependentsWaitForParents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := plan.Plan{Goal: "chain", Steps: []plan.StepSpec{
		{Name: "a", Tool: "codegen", Inputs: plan.Values{}},
		{Name: "b", Tool: "echo", Inputs: plan.Values{"x": 1.0}, DependsOn: []string{"a"}},
	}}
	r, err := h.runs.CreateRun(ctx, p, "")
	if err != nil {
		t.Fatal(err)
	}
	msgs := h.queue.take()
	if len(msgs) != 1 {
		t.Fatalf("expected only a to be enqueued, got %d", len(msgs))
	}
	a := stepByName(t, h, r.ID, "a")
	if got := decodeReady(t, msgs[0]); got.StepID != a.ID {
		t.Fatalf("expected message for a, got %+v", got)
	}

	if err := h.worker.Handle(ctx, msgs[0]); err != nil {
		t.Fatal(err)
	}
	msgs = h.queue.take()
	b := stepByName(t, h, r.ID, "b")
	if len(msgs) != 1 || decodeReady(t, msgs[0]).StepID != b.ID {
		t.Fatalf("expected b to be enqueued after a completed, got %d messages", len(msgs))
	}
	if err := h.worker.Handle(ctx, msgs[0]); err != nil {
		t.Fatal(err)
	}

	got, _ := h.store.GetRun(ctx, r.ID)
	if got.Status != run.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
	b = stepByName(t, h, r.ID, "b")
	if b.Outputs["x"] != 1.0 {
		t.Fatalf("expected echoed outputs, got %v", b.Outputs)
	}
}

func TestCreateRun_InvalidPlan(t *testing.T) {
	h := newHarness(t)
	_, err := h.runs.CreateRun(context.Background(), plan.Plan{Goal: "x"}, "")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	res, _ := h.store.ListRuns(context.Background(), run.ListFilter{})
	if res.Total != 0 {
		t.Fatalf("expected no run persisted, got %d", res.Total)
	}
}

func TestCreateRun_EnqueueRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.queue.failNext = 2

	r, err := h.runs.CreateRun(context.Background(), plan.Plan{Goal: "demo", Steps: []plan.StepSpec{
		{Name: "a", Tool: "codegen", Inputs: plan.Values{}},
	}}, "")
	if err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if h.queue.count() != 1 {
		t.Fatalf("expected one enqueue, got %d", h.queue.count())
	}
	if r.Status != run.StatusQueued {
		t.Fatalf("expected queued, got %s", r.Status)
	}
}

func TestCreateRun_QueueUnavailableAbortsRun(t *testing.T) {
	h := newHarness(t)
	h.queue.setErr(errQueueDown)
	ctx := context.Background()

	_, err := h.runs.CreateRun(ctx, plan.Plan{Goal: "demo", Steps: []plan.StepSpec{
		{Name: "a", Tool: "codegen", Inputs: plan.Values{}},
	}}, "")
	if !errors.Is(err, domain.ErrQueueUnavailable) {
		t.Fatalf("expected ErrQueueUnavailable, got %v", err)
	}

	res, err := h.store.ListRuns(ctx, run.ListFilter{})
	if err != nil || len(res.Runs) != 1 {
		t.Fatalf("expected the aborted run to be kept, got %+v (%v)", res, err)
	}
	r := res.Runs[0]
	if r.Status != run.StatusFailed || !strings.HasPrefix(r.Error, "QueueUnavailable") {
		t.Fatalf("expected failed run with QueueUnavailable reason, got %s %q", r.Status, r.Error)
	}
	a := stepByName(t, h, r.ID, "a")
	if a.Status != run.StepCancelled {
		t.Fatalf("expected pending step cancelled, got %s", a.Status)
	}
}

func TestCreateStep_ConcurrentSameKeySingleEnqueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r, err := h.store.CreateRun(ctx, run.CreateRequest{Plan: plan.Plan{Goal: "demo", Steps: []plan.StepSpec{
		{Name: "a", Tool: "codegen", Inputs: plan.Values{}},
	}}})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.store.CreateStep(ctx, run.CreateStepRequest{
				RunID: r.ID, Name: "a", Tool: "codegen", Inputs: run.Values{}, IdempotencyKey: "k1",
			})
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = res.Step.ID
			if res.Created() {
				if err := h.dispatcher.EnqueueStep(ctx, res.Step); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("expected one step id, got %v", ids)
		}
	}
	steps, _ := h.store.ListSteps(ctx, r.ID)
	if len(steps) != 1 {
		t.Fatalf("expected one step row, got %d", len(steps))
	}
	if h.queue.count() != 1 {
		t.Fatalf("expected one enqueue, got %d", h.queue.count())
	}
	if n := countType(h.eventTypes(t, r.ID), event.TypeStepEnqueued); n != 1 {
		t.Fatalf("expected one step.enqueued event, got %d", n)
	}
}

// outageStore fails CreateStep from the failAt-th call on, failures times.
type outageStore struct {
	*memory.Store
	mu       sync.Mutex
	calls    int
	failAt   int
	failures int
}

func (s *outageStore) CreateStep(ctx context.Context, req run.CreateStepRequest) (run.CreateStepResult, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls >= s.failAt && s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return run.CreateStepResult{}, domain.NewStoreError("create step", domain.StoreUnavailable, errors.New("connection reset"))
	}
	return s.Store.CreateStep(ctx, req)
}

func threeStepPlan() plan.Plan {
	return plan.Plan{Goal: "demo", Steps: []plan.StepSpec{
		{Name: "a", Tool: "codegen", Inputs: plan.Values{}},
		{Name: "b", Tool: "codegen", Inputs: plan.Values{}},
		{Name: "c", Tool: "codegen", Inputs: plan.Values{}},
	}}
}

func TestCreateRun_RetriesTransientStepStoreOutage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := &outageStore{Store: h.store, failAt: 2, failures: 1}
	d := service.NewDispatcher(store, h.queue, fastPolicy(3), nil)

	r, err := d.CreateRun(ctx, threeStepPlan(), "")
	if err != nil {
		t.Fatal(err)
	}
	steps, err := h.store.ListSteps(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	if n := h.queue.count(); n != 3 {
		t.Fatalf("expected 3 enqueues, got %d", n)
	}
	got, _ := h.store.GetRun(ctx, r.ID)
	if got.Status != run.StatusQueued {
		t.Fatalf("expected queued run, got %s", got.Status)
	}
}

func TestCreateRun_StepStoreOutageAbortsPartialRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	store := &outageStore{Store: h.store, failAt: 2, failures: 100}
	d := service.NewDispatcher(store, h.queue, fastPolicy(3), nil)

	_, err := d.CreateRun(ctx, threeStepPlan(), "")
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	res, err := h.store.ListRuns(ctx, run.ListFilter{})
	if err != nil || len(res.Runs) != 1 {
		t.Fatalf("expected the aborted run to be kept, got %+v (%v)", res, err)
	}
	r := res.Runs[0]
	if r.Status != run.StatusFailed || !strings.HasPrefix(r.Error, "IncompletePlan") {
		t.Fatalf("expected failed run with IncompletePlan reason, got %s %q", r.Status, r.Error)
	}
	steps, _ := h.store.ListSteps(ctx, r.ID)
	if len(steps) != 1 || steps[0].Status != run.StepCancelled {
		t.Fatalf("expected the one created step cancelled, got %+v", steps)
	}
	if n := h.queue.count(); n != 0 {
		t.Fatalf("expected nothing enqueued, got %d", n)
	}
}

func TestCreateRun_PlanKeyOwnedByAnotherRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := plan.Plan{Goal: "demo", Steps: []plan.StepSpec{
		{Name: "deploy", Tool: "codegen", Inputs: plan.Values{}, IdempotencyKey: "deploy-42"},
	}}

	first, err := h.runs.CreateRun(ctx, p, "")
	if err != nil {
		t.Fatal(err)
	}
	h.queue.take()

	_, err = h.runs.CreateRun(ctx, p, "")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if n := h.queue.count(); n != 0 {
		t.Fatalf("expected nothing enqueued, got %d", n)
	}

	res, err := h.store.ListRuns(ctx, run.ListFilter{Status: run.StatusFailed})
	if err != nil || len(res.Runs) != 1 {
		t.Fatalf("expected one failed run, got %+v (%v)", res, err)
	}
	second := res.Runs[0]
	if second.ID == first.ID || !strings.HasPrefix(second.Error, "IncompletePlan") {
		t.Fatalf("expected the second run failed as incomplete, got %+v", second)
	}
	steps, _ := h.store.ListSteps(ctx, second.ID)
	if len(steps) != 0 {
		t.Fatalf("expected no steps on the second run, got %d", len(steps))
	}
	got, _ := h.store.GetRun(ctx, first.ID)
	if got.Status != run.StatusQueued {
		t.Fatalf("expected the first run untouched, got %s", got.Status)
	}
}

func TestStepKey(t *testing.T) {
	if got := service.StepKey("run-1", 3); got != "run-1:3" {
		t.Fatalf("unexpected key %q", got)
	}
}
