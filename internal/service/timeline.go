package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/Runplane/internal/config"
	"github.com/Strob0t/Runplane/internal/domain/event"
	"github.com/Strob0t/Runplane/internal/domain/run"
	"github.com/Strob0t/Runplane/internal/port/database"
	"github.com/Strob0t/Runplane/internal/port/eventstore"
)

// Hub fans out "run has new events" signals to timeline watchers. Signals
// coalesce: a watcher that is behind sees one pending wake-up.
type Hub struct {
	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

var _ eventstore.Notifier = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[chan struct{}]struct{})}
}

// Watch implements eventstore.Notifier.
func (h *Hub) Watch(runID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	set, ok := h.watchers[runID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		h.watchers[runID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(set, ch)
			if len(set) == 0 {
				delete(h.watchers, runID)
			}
			h.mu.Unlock()
		})
	}
}

// Notify wakes every watcher of runID without blocking.
func (h *Hub) Notify(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.watchers[runID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watchers returns the number of active watches on runID.
func (h *Hub) Watchers(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[runID])
}

// Timeline serves run event history and live event streams.
type Timeline struct {
	store    database.Store
	notifier eventstore.Notifier
	cfg      config.Timeline
}

// NewTimeline creates a Timeline. notifier may be nil, in which case
// subscribers fall back to polling.
func NewTimeline(store database.Store, notifier eventstore.Notifier, cfg config.Timeline) *Timeline {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = cfg.PollInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	return &Timeline{store: store, notifier: notifier, cfg: cfg}
}

// GetTimeline returns all events of runID recorded so far, in order.
func (t *Timeline) GetTimeline(ctx context.Context, runID string) ([]event.Event, error) {
	if _, err := t.store.GetRun(ctx, runID); err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return t.store.ListEvents(ctx, runID)
}

// Subscribe streams the events of runID with Seq > afterSeq in order. The
// channel closes once a terminal run event was sent and no events follow
// it, or when ctx is done.
func (t *Timeline) Subscribe(ctx context.Context, runID string, afterSeq int64) (<-chan event.Event, error) {
	r, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	var wake <-chan struct{}
	stop := func() {}
	if t.notifier != nil {
		wake, stop = t.notifier.Watch(runID)
	}

	out := make(chan event.Event)
	go func() {
		defer close(out)
		defer stop()
		t.stream(ctx, r, afterSeq, wake, out)
	}()
	return out, nil
}

func (t *Timeline) stream(ctx context.Context, r *run.Run, cursor int64, wake <-chan struct{}, out chan<- event.Event) {
	poll := t.cfg.PollInterval
	// A run already finished when the caller is past its last event.
	terminal := r.Status.IsTerminal()
	for {
		page, err := t.store.ListEventsAfter(ctx, r.ID, cursor, t.cfg.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, "timeline read failed", "run_id", r.ID, "error", err)
			page = nil
		}

		for i := range page {
			select {
			case out <- page[i]:
			case <-ctx.Done():
				return
			}
			cursor = page[i].Seq
			terminal = page[i].Type.IsTerminal()
		}
		if len(page) == t.cfg.PageSize {
			continue
		}
		if terminal {
			return
		}
		if len(page) > 0 {
			poll = t.cfg.PollInterval
		}

		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
			poll = t.cfg.PollInterval
		case <-timer.C:
			poll = min(poll*2, t.cfg.MaxPollInterval)
		}
	}
}
