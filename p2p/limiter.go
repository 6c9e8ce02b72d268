// limiter.go - Per-client request rate limiting
package p2p

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter keeps one token bucket per client address. A nil
// *ClientLimiter allows everything.
type ClientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

type entry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewClientLimiter allows perSecond requests per client with burst
func NewClientLimiter(perSecond float64, burst int) *ClientLimiter {
	return &ClientLimiter{
		limiters: make(map[string]*entry),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

// Allow consumes a token for key
func (l *ClientLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.seen = now
	l.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// Sweep forgets clients idle for longer than the idle window
func (l *ClientLimiter) Sweep() int {
	if l == nil {
		return 0
	}
	cutoff := time.Now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, e := range l.limiters {
		if e.seen.Before(cutoff) {
			delete(l.limiters, key)
			n++
		}
	}
	return n
}

// Len reports how many clients are tracked
func (l *ClientLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// clientKey is the host part of the connection's remote address. The
// request body, and with it any sender id, is not consulted.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
