package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Strob0t/Runplane/internal/port/cache"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxIdempotencyBody   = 1 << 20 // 1 MB
	maxIdempotencyKeyLen = 255
)

// idempotencyEntry stores a cached HTTP response.
type idempotencyEntry struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// Idempotency deduplicates mutating requests that carry an Idempotency-Key
// header. The first response is cached for ttl and replayed verbatim for
// later requests with the same key, method and path. 5xx responses are not
// cached so clients can retry after an outage.
type Idempotency struct {
	cache cache.Cache
	ttl   time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewIdempotency creates the middleware over c.
func NewIdempotency(c cache.Cache, ttl time.Duration) *Idempotency {
	return &Idempotency{cache: c, ttl: ttl, inflight: make(map[string]struct{})}
}

// Handler returns the HTTP middleware.
func (m *Idempotency) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(headerIdempotencyKey)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			writeJSONError(w, http.StatusBadRequest, "Idempotency-Key too long")
			return
		}
		cacheKey := "idem:" + r.Method + ":" + r.URL.Path + ":" + key

		if data, ok, err := m.cache.Get(r.Context(), cacheKey); err != nil {
			slog.WarnContext(r.Context(), "idempotency: cache lookup failed", "key", key, "error", err)
		} else if ok {
			var cached idempotencyEntry
			if err := json.Unmarshal(data, &cached); err == nil {
				replay(w, &cached)
				return
			}
			slog.WarnContext(r.Context(), "idempotency: corrupt cache entry", "key", key)
		}

		if !m.acquire(cacheKey) {
			writeJSONError(w, http.StatusConflict, "a request with this Idempotency-Key is in progress")
			return
		}
		defer m.release(cacheKey)

		rec := &responseRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
			body:           &bytes.Buffer{},
			header:         http.Header{},
		}
		next.ServeHTTP(rec, r)

		if rec.statusCode >= http.StatusInternalServerError || rec.body.Len() > maxIdempotencyBody {
			return
		}
		data, err := json.Marshal(idempotencyEntry{
			StatusCode: rec.statusCode,
			Headers:    rec.header,
			Body:       rec.body.Bytes(),
		})
		if err != nil {
			return
		}
		if err := m.cache.Set(r.Context(), cacheKey, data, m.ttl); err != nil {
			slog.WarnContext(r.Context(), "idempotency: failed to store response", "key", key, "error", err)
		}
	})
}

func (m *Idempotency) acquire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[key]; busy {
		return false
	}
	m.inflight[key] = struct{}{}
	return true
}

func (m *Idempotency) release(key string) {
	m.mu.Lock()
	delete(m.inflight, key)
	m.mu.Unlock()
}

func replay(w http.ResponseWriter, cached *idempotencyEntry) {
	for k, vals := range cached.Headers {
		w.Header().Del(k)
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(headerReplayed, "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// responseRecorder wraps http.ResponseWriter to capture the response. Only
// the content headers the handler set are kept for replay.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	header     http.Header
	wrote      bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.wrote = true
		r.statusCode = code
		for _, k := range []string{"Content-Type", "Location"} {
			if v := r.ResponseWriter.Header().Values(k); len(v) > 0 {
				r.header[k] = append([]string(nil), v...)
			}
		}
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
