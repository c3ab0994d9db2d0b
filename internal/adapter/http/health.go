package http

import (
	"context"
	"net/http"
	"time"

	"github.com/Strob0t/Runplane/internal/port/messagequeue"
)

// Pinger is the part of the store the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports store and queue reachability.
type HealthChecker struct {
	store   Pinger
	queue   messagequeue.Queue
	version string
	started time.Time
}

// NewHealthChecker creates a HealthChecker.
func NewHealthChecker(store Pinger, queue messagequeue.Queue, version string) *HealthChecker {
	return &HealthChecker{store: store, queue: queue, version: version, started: time.Now()}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Store          string `json:"store"`
	Queue          string `json:"queue"`
	HasSubscribers bool   `json:"has_subscribers"`
	OldestAgeMs    int64  `json:"oldest_age_ms"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// Check pings the store and queue. The run is unhealthy when either is
// unreachable and degraded when ready steps have no consumer.
func (c *HealthChecker) Check(ctx context.Context) HealthResponse {
	resp := HealthResponse{
		Status:        "healthy",
		Version:       c.version,
		Store:         "connected",
		Queue:         "connected",
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
	}

	if err := c.store.Ping(ctx); err != nil {
		resp.Store = "disconnected"
		resp.Status = "unhealthy"
	}

	if !c.queue.IsConnected() {
		resp.Queue = "disconnected"
		resp.Status = "unhealthy"
		return resp
	}
	if ok, err := c.queue.HasSubscribers(ctx, messagequeue.SubjectStepReady); err == nil {
		resp.HasSubscribers = ok
	}
	if age, err := c.queue.OldestAge(ctx, messagequeue.SubjectStepReady); err == nil {
		resp.OldestAgeMs = age.Milliseconds()
	}
	if !resp.HasSubscribers && resp.Status == "healthy" {
		resp.Status = "degraded"
	}
	return resp
}

// HandleHealth handles GET /health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := h.Health.Check(r.Context())
	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
