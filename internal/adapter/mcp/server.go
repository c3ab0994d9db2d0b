// Package mcp exposes the run API to MCP-compatible agents over the
// streamable HTTP transport.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/Runplane/internal/domain/event"
	"github.com/Strob0t/Runplane/internal/domain/plan"
	"github.com/Strob0t/Runplane/internal/domain/run"
)

// RunAPI is the slice of the run service the MCP tools call.
type RunAPI interface {
	CreateRun(ctx context.Context, p plan.Plan, projectID string) (*run.Run, error)
	GetRun(ctx context.Context, id string) (*run.Run, error)
	ListRuns(ctx context.Context, filter run.ListFilter) (*run.ListResult, error)
	ListSteps(ctx context.Context, runID string) ([]run.Step, error)
	GetRunTimeline(ctx context.Context, runID string) ([]event.Event, error)
	CancelRun(ctx context.Context, id, reason string) (*run.Run, error)
	RetryStep(ctx context.Context, stepID string) (*run.Step, error)
	ApproveGate(ctx context.Context, gateID, approvedBy string) (*run.Gate, error)
}

// ServerConfig holds the MCP listener settings.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	APIKey  string // empty disables auth
}

// ServerDeps are the services backing the tools.
type ServerDeps struct {
	Runs RunAPI
}

// Server wraps the mcp-go server and its HTTP listener.
type Server struct {
	cfg        ServerConfig
	deps       ServerDeps
	mcpServer  *mcpserver.MCPServer
	httpServer *http.Server
	addr       string
}

// NewServer creates an MCP server with all tools and resources registered.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	s.mcpServer = mcpserver.NewMCPServer(
		cfg.Name,
		cfg.Version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler returns the streamable HTTP transport mounted at /mcp, behind
// the API key check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(s.mcpServer))
	return AuthMiddleware(s.cfg.APIKey, mux)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mcp listen %s: %w", s.cfg.Addr, err)
	}
	s.addr = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server failed", "error", err)
		}
	}()
	slog.Info("mcp server started", "addr", s.addr, "auth", s.cfg.APIKey != "")
	return nil
}

// Addr returns the bound address once Start has run.
func (s *Server) Addr() string { return s.addr }

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
