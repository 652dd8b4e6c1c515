package middleware

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimitConfig defines the ingress rate limiting thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int // sustained per-principal limit
	BurstSize         int // hard ceiling within a single window
}

// counter is one principal's current one-minute window.
type counter struct {
	n       int
	resetAt time.Time
}

// RateLimiter enforces per-principal request limits on ingress endpoints.
// Each key gets a one-minute counting window; windows reset on expiry and
// stale keys are pruned in the background.
type RateLimiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	cfg      RateLimitConfig
	logger   *log.Logger
	onReject func()
}

// NewRateLimiter creates a rate limiter. onReject is called for each rejected
// request (metrics hook); nil is fine.
func NewRateLimiter(cfg RateLimitConfig, onReject func()) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 120
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}

	rl := &RateLimiter{
		counters: make(map[string]*counter),
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		onReject: onReject,
	}
	go rl.prune()
	return rl
}

// Allow reports whether a request from the given key should be admitted.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	c, ok := rl.counters[key]
	if !ok || now.After(c.resetAt) {
		c = &counter{resetAt: now.Add(time.Minute)}
		rl.counters[key] = c
	}
	c.n++
	count := c.n
	rl.mu.Unlock()

	if count > rl.cfg.BurstSize || count > rl.cfg.MaxCallsPerMinute {
		rl.logger.Printf("Rate limit exceeded: key=%s count=%d limit=%d burst=%d",
			key, count, rl.cfg.MaxCallsPerMinute, rl.cfg.BurstSize)
		return false
	}
	return true
}

// Middleware keys requests on the authenticated principal when present,
// falling back to the remote address for unauthenticated endpoints. Rejected
// requests get 429 with a Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var key string
		if p, ok := PrincipalFrom(r.Context()); ok {
			key = "principal:" + p.ID
		} else {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = "ip:" + host
		}

		if !rl.Allow(key) {
			if rl.onReject != nil {
				rl.onReject()
			}
			w.Header().Set("Retry-After", "60")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"code":"RATE_LIMITED","message":"too many requests"}}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// prune drops expired windows every minute.
func (rl *RateLimiter) prune() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		rl.mu.Lock()
		for key, c := range rl.counters {
			if now.After(c.resetAt) {
				delete(rl.counters, key)
			}
		}
		rl.mu.Unlock()
	}
}
