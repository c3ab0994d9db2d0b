package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/plan"
	"github.com/Strob0t/Runplane/internal/domain/run"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.createRunTool(),
		s.getRunTool(),
		s.listRunsTool(),
		s.getTimelineTool(),
		s.retryStepTool(),
		s.approveGateTool(),
		s.cancelRunTool(),
	)
}

func (s *Server) createRunTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("create_run",
		mcplib.WithDescription("Create a run from a plan of tool-call steps and enqueue its root steps"),
		mcplib.WithString("plan",
			mcplib.Required(),
			mcplib.Description(`Plan as JSON: {"goal": "...", "steps": [{"name": "...", "tool": "...", "inputs": {}, "depends_on": []}]}`),
		),
		mcplib.WithString("project_id",
			mcplib.Description("Optional project the run belongs to"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCreateRun}
}

func (s *Server) getRunTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_run",
		mcplib.WithDescription("Get a run and its steps by run ID"),
		mcplib.WithString("run_id",
			mcplib.Required(),
			mcplib.Description("The run ID to look up"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetRun}
}

func (s *Server) listRunsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_runs",
		mcplib.WithDescription("List runs, newest first"),
		mcplib.WithString("status",
			mcplib.Description("Only return runs in this status"),
			mcplib.Enum(string(run.StatusQueued), string(run.StatusRunning), string(run.StatusSucceeded),
				string(run.StatusFailed), string(run.StatusCancelled)),
		),
		mcplib.WithString("project_id",
			mcplib.Description("Only return runs of this project"),
		),
		mcplib.WithNumber("limit",
			mcplib.Description("Maximum number of runs to return"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListRuns}
}

func (s *Server) getTimelineTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_timeline",
		mcplib.WithDescription("Get the ordered event timeline of a run"),
		mcplib.WithString("run_id",
			mcplib.Required(),
			mcplib.Description("The run ID"),
		),
		mcplib.WithNumber("after_seq",
			mcplib.Description("Only return events with a sequence number above this value"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetTimeline}
}

func (s *Server) retryStepTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("retry_step",
		mcplib.WithDescription("Re-enqueue a failed step that still has attempts left"),
		mcplib.WithString("step_id",
			mcplib.Required(),
			mcplib.Description("The step ID to retry"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleRetryStep}
}

func (s *Server) approveGateTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("approve_gate",
		mcplib.WithDescription("Approve a manual gate so its step can proceed"),
		mcplib.WithString("gate_id",
			mcplib.Required(),
			mcplib.Description("The gate ID to approve"),
		),
		mcplib.WithString("approved_by",
			mcplib.Required(),
			mcplib.Description("Who approved the gate"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleApproveGate}
}

func (s *Server) cancelRunTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("cancel_run",
		mcplib.WithDescription("Cancel a run that has not finished yet"),
		mcplib.WithString("run_id",
			mcplib.Required(),
			mcplib.Description("The run ID to cancel"),
		),
		mcplib.WithString("reason",
			mcplib.Description("Why the run was cancelled"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCancelRun}
}

func (s *Server) handleCreateRun(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	p, err := decodePlan(req.GetArguments()["plan"])
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	created, err := s.deps.Runs.CreateRun(ctx, p, req.GetString("project_id", ""))
	if err != nil {
		return toolError("failed to create run", err), nil
	}
	return toolResultJSON(created)
}

type runWithSteps struct {
	*run.Run
	Steps []run.Step `json:"steps"`
}

func (s *Server) handleGetRun(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	runID, err := req.RequireString("run_id")
	if err != nil || runID == "" {
		return mcplib.NewToolResultError("run_id is required"), nil
	}
	r, err := s.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return toolError(fmt.Sprintf("failed to get run %s", runID), err), nil
	}
	steps, err := s.deps.Runs.ListSteps(ctx, runID)
	if err != nil {
		return toolError(fmt.Sprintf("failed to list steps of run %s", runID), err), nil
	}
	if steps == nil {
		steps = []run.Step{}
	}
	return toolResultJSON(runWithSteps{Run: r, Steps: steps})
}

func (s *Server) handleListRuns(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	filter := run.ListFilter{
		ProjectID: req.GetString("project_id", ""),
		Status:    run.Status(req.GetString("status", "")),
		Limit:     req.GetInt("limit", 0),
	}
	if err := filter.Validate(); err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	result, err := s.deps.Runs.ListRuns(ctx, filter)
	if err != nil {
		return toolError("failed to list runs", err), nil
	}
	if result.Runs == nil {
		result.Runs = []run.Run{}
	}
	return toolResultJSON(result)
}

func (s *Server) handleGetTimeline(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	runID, err := req.RequireString("run_id")
	if err != nil || runID == "" {
		return mcplib.NewToolResultError("run_id is required"), nil
	}
	afterSeq := int64(req.GetInt("after_seq", 0))
	if afterSeq < 0 {
		return mcplib.NewToolResultError("after_seq must not be negative"), nil
	}
	events, err := s.deps.Runs.GetRunTimeline(ctx, runID)
	if err != nil {
		return toolError(fmt.Sprintf("failed to get timeline of run %s", runID), err), nil
	}
	filtered := events[:0:0]
	for i := range events {
		if events[i].Seq > afterSeq {
			filtered = append(filtered, events[i])
		}
	}
	return toolResultJSON(filtered)
}

func (s *Server) handleRetryStep(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	stepID, err := req.RequireString("step_id")
	if err != nil || stepID == "" {
		return mcplib.NewToolResultError("step_id is required"), nil
	}
	step, err := s.deps.Runs.RetryStep(ctx, stepID)
	if err != nil {
		return toolError(fmt.Sprintf("failed to retry step %s", stepID), err), nil
	}
	return toolResultJSON(step)
}

func (s *Server) handleApproveGate(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	gateID, err := req.RequireString("gate_id")
	if err != nil || gateID == "" {
		return mcplib.NewToolResultError("gate_id is required"), nil
	}
	approvedBy, err := req.RequireString("approved_by")
	if err != nil || approvedBy == "" {
		return mcplib.NewToolResultError("approved_by is required"), nil
	}
	gate, err := s.deps.Runs.ApproveGate(ctx, gateID, approvedBy)
	if err != nil {
		return toolError(fmt.Sprintf("failed to approve gate %s", gateID), err), nil
	}
	return toolResultJSON(gate)
}

func (s *Server) handleCancelRun(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	runID, err := req.RequireString("run_id")
	if err != nil || runID == "" {
		return mcplib.NewToolResultError("run_id is required"), nil
	}
	r, err := s.deps.Runs.CancelRun(ctx, runID, req.GetString("reason", ""))
	if err != nil {
		return toolError(fmt.Sprintf("failed to cancel run %s", runID), err), nil
	}
	return toolResultJSON(r)
}

// decodePlan accepts the plan either as a JSON string or as an already
// decoded object.
func decodePlan(raw any) (plan.Plan, error) {
	var p plan.Plan
	var data []byte
	switch v := raw.(type) {
	case nil:
		return p, errors.New("plan is required")
	case string:
		if v == "" {
			return p, errors.New("plan is required")
		}
		data = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return p, fmt.Errorf("encode plan: %w", err)
		}
		data = b
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("invalid plan JSON: %w", err)
	}
	return p, nil
}

// toolError turns domain errors into short messages an agent can act on
// and keeps the full chain for everything else.
func toolError(msg string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return mcplib.NewToolResultError(msg + ": not found")
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotRetryable),
		errors.Is(err, domain.ErrConflict):
		return mcplib.NewToolResultError(err.Error())
	default:
		return mcplib.NewToolResultErrorFromErr(msg, err)
	}
}

func toolResultJSON(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
