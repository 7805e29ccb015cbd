package middleware

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-IP request throttling.
type RateLimitConfig struct {
	// Rate is the sustained requests-per-second allowance per IP.
	Rate rate.Limit
	// Burst is how far above the sustained rate a single IP may spike.
	Burst int
	// CleanupInterval is how often idle visitors are swept.
	CleanupInterval time.Duration
	// MaxAge is how long a visitor may stay idle before its limiter is
	// discarded.
	MaxAge time.Duration
}

// DefaultRateLimitConfig covers the general API surface: 20 req/s, burst 40.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(20),
		Burst:           40,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// AuthRateLimitConfig is the stricter limit for login and registration,
// where credential stuffing is the concern: 5 req/s, burst 10.
func AuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(5),
		Burst:           10,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter tracks one token bucket per client IP. Idle buckets are
// swept by a background goroutine so the map does not grow without bound.
type IPRateLimiter struct {
	cfg  RateLimitConfig
	stop chan struct{}

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewIPRateLimiter creates the limiter and starts its sweep goroutine.
// Callers must Stop it when done.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	rl := &IPRateLimiter{
		cfg:      cfg,
		stop:     make(chan struct{}),
		visitors: make(map[string]*visitor),
	}
	go rl.sweep()
	return rl
}

// Allow reports whether a request from ip fits within its budget.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// Stop terminates the sweep goroutine.
func (rl *IPRateLimiter) Stop() {
	close(rl.stop)
}

func (rl *IPRateLimiter) sweep() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *IPRateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	evicted := 0
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter evicted idle visitors",
			"evicted", evicted, "remaining", len(rl.visitors))
	}
}

// RateLimit throttles requests by client IP, answering 429 with a
// Retry-After header once the budget is exhausted. Mount after RealIP so
// RemoteAddr reflects the forwarded client behind a proxy.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)
			if limiter.Allow(ip) {
				next.ServeHTTP(w, r)
				return
			}

			slog.Warn("rate limit exceeded",
				"ip", ip, "method", r.Method, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(authEnvelope{Error: "rate limit exceeded"}) //nolint:errcheck
		})
	}
}

// extractIP strips the port from RemoteAddr.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
