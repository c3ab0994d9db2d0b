package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Strob0t/Runplane/internal/config"
)

func limiterWithClock(rate float64, burst int, now *time.Time) *RateLimiter {
	rl := NewRateLimiter(config.RateLimit{Rate: rate, Burst: burst, IdleTTL: time.Minute})
	rl.now = func() time.Time { return *now }
	return rl
}

func send(h http.Handler, method, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/v1/runs", http.NoBody)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimiterBurstThenReject(t *testing.T) {
	now := time.Unix(0, 0)
	h := limiterWithClock(1, 3, &now).Handler(okHandler)

	for i := range 3 {
		if rec := send(h, http.MethodPost, "10.0.0.1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	rec := send(h, http.MethodPost, "10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}

	// One second refills one token.
	now = now.Add(time.Second)
	if rec := send(h, http.MethodPost, "10.0.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimiterReadsUnlimited(t *testing.T) {
	now := time.Unix(0, 0)
	rl := limiterWithClock(1, 1, &now)
	h := rl.Handler(okHandler)

	for range 5 {
		if rec := send(h, http.MethodGet, "10.0.0.1"); rec.Code != http.StatusOK {
			t.Fatalf("expected GET to pass, got %d", rec.Code)
		}
	}
	if rl.Len() != 0 {
		t.Fatalf("expected no buckets for reads, got %d", rl.Len())
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	now := time.Unix(0, 0)
	h := limiterWithClock(1, 1, &now).Handler(okHandler)

	send(h, http.MethodPost, "10.0.0.1")
	if rec := send(h, http.MethodPost, "10.0.0.1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("10.0.0.1: expected 429, got %d", rec.Code)
	}
	if rec := send(h, http.MethodPost, "10.0.0.2"); rec.Code != http.StatusOK {
		t.Fatalf("10.0.0.2: expected 200, got %d", rec.Code)
	}
}

func TestRateLimiterSetsHeaders(t *testing.T) {
	now := time.Unix(0, 0)
	h := limiterWithClock(10, 10, &now).Handler(okHandler)

	rec := send(h, http.MethodPost, "10.0.0.1")
	if rec.Header().Get("X-RateLimit-Limit") != "10" || rec.Header().Get("X-RateLimit-Remaining") != "9" {
		t.Fatalf("unexpected headers %v", rec.Header())
	}
}

func TestRateLimiterEvictsIdle(t *testing.T) {
	now := time.Unix(0, 0)
	rl := limiterWithClock(1, 1, &now)
	send(rl.Handler(okHandler), http.MethodPost, "10.0.0.1")

	now = now.Add(2 * time.Minute)
	rl.evictIdle()
	if rl.Len() != 0 {
		t.Fatalf("expected idle bucket evicted, got %d", rl.Len())
	}
}
