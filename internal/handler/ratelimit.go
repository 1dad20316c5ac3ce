package handler

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pavelanni/readiness/internal/submit"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client IP. Idle entries are swept
// on access once a minute.
type rateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	expiry    time.Duration
	lastSweep time.Time
}

func newRateLimiter(maxRequests int, window time.Duration) *rateLimiter {
	expiry := window * 3
	if expiry < time.Minute {
		expiry = time.Minute
	}
	return &rateLimiter{
		visitors:  make(map[string]*visitor),
		limit:     rate.Every(window / time.Duration(maxRequests)),
		burst:     maxRequests,
		expiry:    expiry,
		lastSweep: time.Now(),
	}
}

func (l *rateLimiter) allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) > time.Minute {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.expiry {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()
	return v.limiter.Allow()
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.allow(clientIP(r)) {
			h.metrics.Submission("rate_limited")
			writeJSON(w, http.StatusTooManyRequests, submit.Response{Error: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
