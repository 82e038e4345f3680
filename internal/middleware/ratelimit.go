package middleware

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/darkden-lab/marketplace-realtime/internal/httputil"
)

const (
	// idleTTL is how long an IP's bucket survives without requests.
	idleTTL = 3 * time.Minute
	// sweepInterval is how often idle buckets are evicted.
	sweepInterval = time.Minute
)

// ipLimiter holds a rate limiter and the last time it was used, in unix
// nanoseconds.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// Limiter enforces a per-IP token bucket over HTTP requests, including
// websocket upgrades. Idle buckets are evicted in the background until Stop.
type Limiter struct {
	limiters sync.Map
	rps      float64
	burst    int

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLimiter creates a Limiter allowing rps sustained requests per second per
// IP with bursts of up to burst requests.
func NewLimiter(rps float64, burst int) *Limiter {
	l := &Limiter{
		rps:    rps,
		burst:  burst,
		stopCh: make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Stop ends the eviction loop. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Allow reports whether a request from ip may proceed now.
func (l *Limiter) Allow(ip string) bool {
	return l.get(ip).Allow()
}

// get returns the rate limiter for ip, creating one if needed.
func (l *Limiter) get(ip string) *rate.Limiter {
	now := time.Now().UnixNano()

	if v, ok := l.limiters.Load(ip); ok {
		entry := v.(*ipLimiter)
		entry.lastSeen.Store(now)
		return entry.limiter
	}

	entry := &ipLimiter{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
	entry.lastSeen.Store(now)
	actual, _ := l.limiters.LoadOrStore(ip, entry)
	existing := actual.(*ipLimiter)
	existing.lastSeen.Store(now)
	return existing.limiter
}

// Len returns the number of tracked IPs.
func (l *Limiter) Len() int {
	n := 0
	l.limiters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evict(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

// evict removes entries idle for longer than idleTTL as of now.
func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-idleTTL).UnixNano()
	l.limiters.Range(func(key, value any) bool {
		if value.(*ipLimiter).lastSeen.Load() < cutoff {
			l.limiters.Delete(key)
		}
		return true
	})
}

// Middleware returns a gorilla/mux middleware that answers 429 once the
// caller's bucket is empty.
func (l *Limiter) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(clientIP(r)) {
				w.Header().Set("Retry-After", "1")
				httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client IP from RemoteAddr. X-Forwarded-For is
// ignored: it is client-controlled and would let a caller pick its own
// bucket.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port.
		return r.RemoteAddr
	}
	return ip
}
