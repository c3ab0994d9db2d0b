// Package ws streams run timelines to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/Runplane/internal/domain"
	"github.com/Strob0t/Runplane/internal/domain/event"
)

// Message types sent to clients.
const (
	MessageEvent = "run.event" // one timeline event
	MessageEnd   = "run.end"   // the run is terminal and the stream is complete
)

const writeTimeout = 10 * time.Second

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TimelineSource streams the events of a run after a sequence number.
type TimelineSource interface {
	StreamTimeline(ctx context.Context, runID string, afterSeq int64) (<-chan event.Event, error)
}

// Hub serves GET /ws?run_id=<id>[&after=<seq>] and counts open streams
// per run.
type Hub struct {
	source TimelineSource

	mu       sync.Mutex
	watchers map[string]int
}

func NewHub(source TimelineSource) *Hub {
	return &Hub{source: source, watchers: make(map[string]int)}
}

// streamQuery reads run_id and the optional resume cursor.
func streamQuery(r *http.Request) (runID string, after int64, msg string) {
	q := r.URL.Query()
	runID = q.Get("run_id")
	if runID == "" {
		return "", 0, "run_id is required"
	}
	if raw := q.Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return "", 0, "after must be a non-negative integer"
		}
		after = n
	}
	return runID, after, ""
}

// HandleWS upgrades the connection and streams the run timeline until the
// run is terminal or the client goes away.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	runID, after, msg := streamQuery(r)
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := h.source.StreamTimeline(ctx, runID, after)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "run not found", http.StatusNotFound)
		return
	case err != nil:
		slog.Error("websocket stream failed", "run_id", runID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checks live in the CORS middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "run_id", runID, "error", err)
		return
	}
	defer h.watch(runID)()

	slog.Info("websocket connected", "remote", r.RemoteAddr, "run_id", runID, "after", after)
	// Clients only listen; CloseRead cancels ctx when they disconnect.
	h.stream(ws.CloseRead(ctx), ws, runID, events)
}

// stream forwards events until the channel closes, then sends run.end.
func (h *Hub) stream(ctx context.Context, ws *websocket.Conn, runID string, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			_ = ws.Close(websocket.StatusGoingAway, "")
			return
		case ev, ok := <-events:
			if !ok {
				_ = send(ctx, ws, Message{Type: MessageEnd})
				_ = ws.Close(websocket.StatusNormalClosure, "")
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.Error("websocket marshal failed", "run_id", runID, "seq", ev.Seq, "error", err)
				continue
			}
			if err := send(ctx, ws, Message{Type: MessageEvent, Payload: payload}); err != nil {
				slog.Debug("websocket write failed", "run_id", runID, "error", err)
				return
			}
		}
	}
}

func send(ctx context.Context, ws *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

// watch registers one stream for runID. The returned release is idempotent.
func (h *Hub) watch(runID string) (release func()) {
	h.mu.Lock()
	h.watchers[runID]++
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.watchers[runID]--; h.watchers[runID] <= 0 {
				delete(h.watchers, runID)
			}
			slog.Info("websocket disconnected", "run_id", runID)
		})
	}
}

// ConnectionCount is the number of open streams across all runs.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.watchers {
		n += c
	}
	return n
}

// Watching is the number of open streams for runID.
func (h *Hub) Watching(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.watchers[runID]
}
