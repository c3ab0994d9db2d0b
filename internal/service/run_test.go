package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/event"
	"github.com/Strob0t/Runplane/internal/domain/plan"
	"github.com/Strob0t/Runplane/internal/domain/run"
)

func TestRunService_CancelRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.runs.CreateRun(ctx, plan.Plan{Goal: "ship", Steps: []plan.StepSpec{
		{Name: "build", Tool: "codegen", Inputs: plan.Values{}},
		{Name: "deploy", Tool: "manual:deploy", Inputs: plan.Values{}, DependsOn: []string{"build"}},
	}}, "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	cancelled, err := h.runs.CancelRun(ctx, r.ID, "")
	if err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if cancelled.Status != run.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	steps, err := h.runs.ListSteps(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range steps {
		if s.Status != run.StepCancelled {
			t.Errorf("step %s: expected cancelled, got %s", s.Name, s.Status)
		}
	}
	if countType(h.eventTypes(t, r.ID), event.TypeRunCancelled) != 1 {
		t.Error("expected exactly one run.cancelled event")
	}

	// Queued messages left behind must not run the cancelled step.
	h.process(t)
	if got := stepByName(t, h, r.ID, "build").Status; got != run.StepCancelled {
		t.Fatalf("cancelled step ran: %s", got)
	}

	// Cancelling again is a no-op.
	again, err := h.runs.CancelRun(ctx, r.ID, "second")
	if err != nil || again.Status != run.StatusCancelled {
		t.Fatalf("repeat cancel = %v, %v", again, err)
	}
	if countType(h.eventTypes(t, r.ID), event.TypeRunCancelled) != 1 {
		t.Error("repeat cancel recorded another event")
	}

	if _, err := h.runs.CancelRun(ctx, "missing", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunService_ListRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, project := range []string{"alpha", "alpha", "beta"} {
		if _, err := h.runs.CreateRun(ctx, singleStepPlan("noop"), project); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name      string
		filter    run.ListFilter
		wantRuns  int
		wantTotal int
	}{
		{"all", run.ListFilter{}, 3, 3},
		{"by project", run.ListFilter{ProjectID: "alpha"}, 2, 2},
		{"paged", run.ListFilter{ProjectID: "alpha", Limit: 1}, 1, 2},
		{"offset past end", run.ListFilter{Offset: 10}, 0, 3},
		{"by status", run.ListFilter{Status: run.StatusSucceeded}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.runs.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(res.Runs) != tt.wantRuns || res.Total != tt.wantTotal {
				t.Fatalf("got %d runs / total %d, want %d / %d", len(res.Runs), res.Total, tt.wantRuns, tt.wantTotal)
			}
		})
	}
}

func TestRunService_ArtifactsAndUnknownRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.runs.CreateRun(ctx, singleStepPlan("codegen"), "")
	if err != nil {
		t.Fatal(err)
	}
	h.process(t)

	artifacts, err := h.runs.ListArtifacts(ctx, r.ID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].Path != "main.go" {
		t.Fatalf("unexpected artifacts %+v", artifacts)
	}

	if _, err := h.runs.ListSteps(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("ListSteps: expected ErrNotFound, got %v", err)
	}
	if _, err := h.runs.ListArtifacts(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("ListArtifacts: expected ErrNotFound, got %v", err)
	}
}

func TestRunService_InboxDeleteAllowsRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.runs.CreateRun(ctx, singleStepPlan("noop"), "")
	if err != nil {
		t.Fatal(err)
	}
	h.process(t)

	s := stepByName(t, h, r.ID, "a")
	key := s.InboxKey()
	if seen, _ := h.store.InboxHas(ctx, key); !seen {
		t.Fatalf("expected inbox key %s after processing", key)
	}

	if err := h.runs.InboxDelete(ctx, key); err != nil {
		t.Fatalf("InboxDelete: %v", err)
	}
	first, err := h.store.InboxMarkSeen(ctx, key)
	if err != nil || !first {
		t.Fatalf("expected key to be fresh after delete, got %v, %v", first, err)
	}
}
