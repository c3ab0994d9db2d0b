package middleware_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Runplane/internal/middleware"
)

// memCache is an in-memory cache.Cache for testing.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memCache) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func makeTestHandler(counter *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*counter++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, *counter)
	})
}

func post(handler http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, http.NoBody)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIdempotency_NoHeader(t *testing.T) {
	counter := 0
	c := newMemCache()
	handler := middleware.NewIdempotency(c, time.Hour).Handler(makeTestHandler(&counter, http.StatusCreated))

	if rec := post(handler, "/runs", ""); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if counter != 1 || c.len() != 0 {
		t.Fatalf("expected 1 uncached call, got %d calls and %d entries", counter, c.len())
	}
}

func TestIdempotency_SecondRequestReplays(t *testing.T) {
	counter := 0
	c := newMemCache()
	handler := middleware.NewIdempotency(c, time.Hour).Handler(makeTestHandler(&counter, http.StatusCreated))

	first := post(handler, "/runs", "key-2")
	second := post(handler, "/runs", "key-2")

	if counter != 1 {
		t.Fatalf("expected handler called once, got %d", counter)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("expected replayed 201 %q, got %d %q", first.Body.String(), second.Code, second.Body.String())
	}
	if second.Header().Get("Idempotent-Replayed") != "true" || second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected replay headers %v", second.Header())
	}
	for k, ttl := range c.ttls {
		if ttl != time.Hour {
			t.Fatalf("expected %s cached for 1h, got %s", k, ttl)
		}
	}
}

func TestIdempotency_ScopedByPath(t *testing.T) {
	counter := 0
	handler := middleware.NewIdempotency(newMemCache(), time.Hour).Handler(makeTestHandler(&counter, http.StatusOK))

	post(handler, "/runs/a/cancel", "same")
	post(handler, "/runs/b/cancel", "same")
	if counter != 2 {
		t.Fatalf("expected 2 calls for different paths, got %d", counter)
	}
}

func TestIdempotency_ServerErrorsNotCached(t *testing.T) {
	counter := 0
	c := newMemCache()
	handler := middleware.NewIdempotency(c, time.Hour).Handler(makeTestHandler(&counter, http.StatusServiceUnavailable))

	post(handler, "/runs", "key-503")
	post(handler, "/runs", "key-503")
	if counter != 2 || c.len() != 0 {
		t.Fatalf("expected 503 retried uncached, got %d calls and %d entries", counter, c.len())
	}
}

func TestIdempotency_GETIgnored(t *testing.T) {
	counter := 0
	c := newMemCache()
	handler := middleware.NewIdempotency(c, time.Hour).Handler(makeTestHandler(&counter, http.StatusOK))

	req := httptest.NewRequest(http.MethodGet, "/runs", http.NoBody)
	req.Header.Set("Idempotency-Key", "key-get")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if counter != 1 || c.len() != 0 {
		t.Fatalf("expected GET passed through uncached, got %d calls and %d entries", counter, c.len())
	}
}

func TestIdempotency_KeyTooLong(t *testing.T) {
	counter := 0
	handler := middleware.NewIdempotency(newMemCache(), time.Hour).Handler(makeTestHandler(&counter, http.StatusOK))

	if rec := post(handler, "/runs", strings.Repeat("k", 256)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if counter != 0 {
		t.Fatal("handler must not run for a rejected key")
	}
}

func TestIdempotency_ConcurrentDuplicateRejected(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	handler := middleware.NewIdempotency(newMemCache(), time.Hour).Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusCreated)
	}))

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- post(handler, "/runs", "busy") }()
	<-entered

	if rec := post(handler, "/runs", "busy"); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while in flight, got %d", rec.Code)
	}
	close(release)
	if rec := <-done; rec.Code != http.StatusCreated {
		t.Fatalf("expected first request to finish with 201, got %d", rec.Code)
	}
}
