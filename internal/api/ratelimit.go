package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter rate-limits public tracking endpoints per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 30
	}
	return &ipLimiter{visitors: map[string]*visitor{}, rps: rate.Limit(rps), burst: burst}
}

// Allow reports whether the given remote address may proceed.
func (l *ipLimiter) Allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.visitors[host]
	if v == nil {
		if len(l.visitors) > 10000 {
			l.prune(now)
		}
		v = &visitor{lim: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[host] = v
	}
	v.seen = now
	return v.lim.Allow()
}

// prune drops visitors idle for over ten minutes. Caller holds the lock.
func (l *ipLimiter) prune(now time.Time) {
	for k, v := range l.visitors {
		if now.Sub(v.seen) > 10*time.Minute {
			delete(l.visitors, k)
		}
	}
}

// LimitPublic wraps a public handler with the per-IP limiter.
func (s *Server) LimitPublic(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Limiter.Allow(r.RemoteAddr) {
			writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", r.URL.Path)
			return
		}
		next(w, r)
	}
}
