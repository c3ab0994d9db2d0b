package http

import (
	"net/http"

	"github.com/Strob0t/Runplane/internal/domain/event"
	"github.com/Strob0t/Runplane/internal/domain/plan"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Runs   *service.RunService
	Health *HealthChecker
}

type createRunRequest struct {
	plan.Plan
	ProjectID string `json:"project_id,omitempty"`
}

type createRunResponse struct {
	ID     string     `json:"id"`
	Status run.Status `json:"status"`
}

type cancelRunRequest struct {
	Reason string `json:"reason"`
}

type approveGateRequest struct {
	ApprovedBy string `json:"approved_by"`
}

// CreateRun handles POST /api/v1/runs
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createRunRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	created, err := h.Runs.CreateRun(r.Context(), req.Plan, req.ProjectID)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusCreated, createRunResponse{ID: created.ID, Status: created.Status})
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := run.ListFilter{
		ProjectID: q.Get("project_id"),
		Status:    run.Status(q.Get("status")),
		Limit:     limit,
		Offset:    offset,
	}
	if err := filter.Validate(); err != nil {
		writeDomainError(w, err, "")
		return
	}
	result, err := h.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	if result.Runs == nil {
		result.Runs = []run.Run{}
	}
	writeJSON(w, http.StatusOK, result)
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	result, err := h.Runs.GetRun(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListSteps handles GET /api/v1/runs/{id}/steps
func (h *Handlers) ListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.Runs.ListSteps(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if steps == nil {
		steps = []run.Step{}
	}
	writeJSON(w, http.StatusOK, steps)
}

// GetTimeline handles GET /api/v1/runs/{id}/timeline
func (h *Handlers) GetTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := h.Runs.GetRunTimeline(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ListArtifacts handles GET /api/v1/runs/{id}/artifacts
func (h *Handlers) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.Runs.ListArtifacts(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if artifacts == nil {
		artifacts = []run.Artifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

// ListGates handles GET /api/v1/runs/{id}/gates
func (h *Handlers) ListGates(w http.ResponseWriter, r *http.Request) {
	gates, err := h.Runs.ListGates(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if gates == nil {
		gates = []run.Gate{}
	}
	writeJSON(w, http.StatusOK, gates)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readOptionalJSON[cancelRunRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	result, err := h.Runs.CancelRun(r.Context(), urlParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RetryStep handles POST /api/v1/steps/{id}/retry
func (h *Handlers) RetryStep(w http.ResponseWriter, r *http.Request) {
	step, err := h.Runs.RetryStep(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "step not found")
		return
	}
	writeJSON(w, http.StatusOK, step)
}

// ApproveGate handles POST /api/v1/gates/{id}/approve
func (h *Handlers) ApproveGate(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[approveGateRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if req.ApprovedBy == "" {
		writeError(w, http.StatusBadRequest, "approved_by is required")
		return
	}
	gate, err := h.Runs.ApproveGate(r.Context(), urlParam(r, "id"), req.ApprovedBy)
	if err != nil {
		writeDomainError(w, err, "gate not found")
		return
	}
	writeJSON(w, http.StatusOK, gate)
}
