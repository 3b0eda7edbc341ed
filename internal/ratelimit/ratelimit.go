// Package ratelimit provides a per-IP token-bucket HTTP middleware,
// shared by the Server's and Receiver's control APIs. Grounded on the
// teacher's internal/api/ratelimit.go RateLimiter, simplified to a
// single limiter (the teacher's separate AuthFailureLimiter/lockout
// tracking has no equivalent here: neither control API layers a
// password-guessing-prone credential check onto this surface — the
// Server's device-token auth lives on the websocket upgrade path, and
// the Receiver's control API is loopback-only).
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles requests per client IP using a token bucket.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Limiter allowing r requests/sec per IP, with burst b,
// clearing its per-IP state every cleanup interval so long-lived
// processes don't accumulate one bucket per IP forever.
func New(r float64, burst int, cleanup time.Duration) *Limiter {
	l := &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanup,
		done:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[ip] = lim
	}
	return lim.Allow()
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			l.limiters = make(map[string]*rate.Limiter)
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}

// Stop ends the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Middleware rejects a request with 429 once its IP exhausts its bucket.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(extractIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
