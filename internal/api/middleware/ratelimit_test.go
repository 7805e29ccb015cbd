package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testLimiter(t *testing.T, r rate.Limit, burst int, maxAge time.Duration) *IPRateLimiter {
	t.Helper()
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate:            r,
		Burst:           burst,
		CleanupInterval: time.Hour,
		MaxAge:          maxAge,
	})
	t.Cleanup(rl.Stop)
	return rl
}

func TestAllowPerIPBudget(t *testing.T) {
	rl := testLimiter(t, rate.Limit(2), 2, time.Hour)

	for i := 0; i < 2; i++ {
		if !rl.Allow("192.168.1.1") {
			t.Fatalf("request %d within burst must be allowed", i+1)
		}
	}
	if rl.Allow("192.168.1.1") {
		t.Fatal("request over burst must be limited")
	}
	// Budgets are per IP, so a different client is unaffected.
	if !rl.Allow("192.168.1.2") {
		t.Fatal("other IP must have its own budget")
	}
}

func TestIdleVisitorsEvicted(t *testing.T) {
	rl := testLimiter(t, rate.Limit(10), 10, 0)

	rl.Allow("10.0.0.1")

	rl.mu.Lock()
	before := len(rl.visitors)
	rl.mu.Unlock()
	if before != 1 {
		t.Fatalf("visitors = %d, want 1", before)
	}

	// MaxAge 0 makes every visitor immediately stale.
	rl.evictIdle()

	rl.mu.Lock()
	after := len(rl.visitors)
	rl.mu.Unlock()
	if after != 0 {
		t.Fatalf("visitors after eviction = %d, want 0", after)
	}
}

func TestRateLimitMiddlewareAnswers429(t *testing.T) {
	rl := testLimiter(t, rate.Limit(1), 1, time.Hour)
	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = "10.0.0.5:12345"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
}

func TestExtractIP(t *testing.T) {
	cases := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tc.remoteAddr
		if got := extractIP(r); got != tc.want {
			t.Errorf("extractIP(%q) = %q, want %q", tc.remoteAddr, got, tc.want)
		}
	}
}
