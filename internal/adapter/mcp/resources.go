package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Strob0t/Runplane/internal/domain/run"
)

const (
	recentRunsURI     = "runplane://runs/recent"
	timelineURIPrefix = "runplane://runs/"
	timelineURISuffix = "/timeline"
	recentRunsLimit   = 20
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentRunsURI,
			"Recent Runs",
			mcplib.WithResourceDescription("The most recently created runs"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentRunsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			timelineURIPrefix+"{run_id}"+timelineURISuffix,
			"Run Timeline",
			mcplib.WithTemplateDescription("Ordered event timeline of one run"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleTimelineResource,
	)
}

func (s *Server) handleRecentRunsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	result, err := s.deps.Runs.ListRuns(ctx, run.ListFilter{Limit: recentRunsLimit})
	if err != nil {
		return nil, err
	}
	if result.Runs == nil {
		result.Runs = []run.Run{}
	}
	return jsonContents(req.Params.URI, result.Runs)
}

func (s *Server) handleTimelineResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	runID, ok := timelineRunID(req.Params.URI)
	if !ok {
		return nil, fmt.Errorf("invalid timeline uri %q", req.Params.URI)
	}
	events, err := s.deps.Runs.GetRunTimeline(ctx, runID)
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, events)
}

func timelineRunID(uri string) (string, bool) {
	if !strings.HasPrefix(uri, timelineURIPrefix) || !strings.HasSuffix(uri, timelineURISuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(uri, timelineURIPrefix), timelineURISuffix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
