package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingHandler collects messages; delay slows each Handle call.
type recordingHandler struct {
	mu    sync.Mutex
	msgs  []string
	delay time.Duration
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.msgs = append(h.msgs, rec.Message)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.msgs {
		if m == msg {
			n++
		}
	}
	return n
}

// syncBuffer is a bytes.Buffer safe for concurrent JSON handler writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestAsyncHandler_CloseFlushesRemaining(t *testing.T) {
	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, 1000, 2)

	const total = 200
	for range total {
		_ = ah.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "step dispatched", 0))
	}
	ah.Close()

	if got := inner.count("step dispatched"); got != total {
		t.Fatalf("expected %d records after close, got %d", total, got)
	}
	if ah.DroppedCount() != 0 {
		t.Fatalf("unexpected drops: %d", ah.DroppedCount())
	}
}

func TestAsyncHandler_ConcurrentWrites(t *testing.T) {
	const goroutines, perGoroutine = 50, 100

	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, goroutines*perGoroutine, 4)

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				_ = ah.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "claimed", 0))
			}
		}()
	}
	wg.Wait()
	ah.Close()

	if got := inner.count("claimed"); got != goroutines*perGoroutine {
		t.Fatalf("expected %d records, got %d", goroutines*perGoroutine, got)
	}
}

func TestAsyncHandler_FullBufferDropsAndReports(t *testing.T) {
	inner := &recordingHandler{delay: 10 * time.Millisecond}
	ah := NewAsyncHandler(inner, 1, 1)

	for range 50 {
		_ = ah.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "flood", 0))
	}
	ah.Close()

	dropped := ah.DroppedCount()
	if dropped == 0 {
		t.Fatal("expected some records to be dropped")
	}
	if got := inner.count("flood"); int64(got)+dropped != 50 {
		t.Fatalf("delivered %d + dropped %d != 50", got, dropped)
	}
	if inner.count("async logger dropped records") != 1 {
		t.Fatal("expected one drop report on close")
	}
}

func TestAsyncHandler_DerivedHandlerKeepsAttrs(t *testing.T) {
	var buf syncBuffer
	ah := NewAsyncHandler(slog.NewJSONHandler(&buf, nil), 16, 1)

	l := slog.New(ah).With("service", "runplane").WithGroup("step")
	l.Info("completed", "attempt", 2)
	ah.Close()

	lines := buf.lines(t)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["service"] != "runplane" {
		t.Errorf("service attr lost: %v", lines[0])
	}
	step, ok := lines[0]["step"].(map[string]any)
	if !ok || step["attempt"] != float64(2) {
		t.Errorf("group attr lost: %v", lines[0])
	}
}

func TestAsyncHandler_ContextIDsSurviveHop(t *testing.T) {
	var buf syncBuffer
	ah := NewAsyncHandler(NewContextHandler(slog.NewJSONHandler(&buf, nil)), 16, 1)

	ctx, cancel := context.WithCancel(WithRunID(WithRequestID(context.Background(), "req-7"), "run-7"))
	slog.New(ah).InfoContext(ctx, "run created")
	cancel()
	ah.Close()

	lines := buf.lines(t)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["run_id"] != "run-7" || lines[0]["request_id"] != "req-7" {
		t.Errorf("context ids lost: %v", lines[0])
	}
}
