// Package middleware carries the HTTP concerns that wrap the pipeline:
// per-client rate limiting and request observability.
package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-client request budget. Clients are keyed
// by IP, honouring X-Real-IP and X-Forwarded-For when a trusted proxy
// sits in front of the gateway.
type RateLimiter struct {
	perMinute float64
	burst     int

	mu       sync.Mutex
	visitors map[string]*visitor
	nowFn    func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitorTTL is how long an idle client entry survives before the
// sweep drops it.
const visitorTTL = 5 * time.Minute

// NewRateLimiter builds a limiter allowing perMinute requests per
// client. Burst defaults to the per-minute budget so a client may
// spend its whole allowance at once.
func NewRateLimiter(perMinute float64, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 100
	}
	if burst <= 0 {
		burst = int(perMinute)
	}
	return &RateLimiter{
		perMinute: perMinute,
		burst:     burst,
		visitors:  make(map[string]*visitor),
		nowFn:     time.Now,
	}
}

// SetClock overrides the sweep clock for tests.
func (r *RateLimiter) SetClock(now func() time.Time) { r.nowFn = now }

// Allow reports whether the request's client is within budget.
func (r *RateLimiter) Allow(req *http.Request) bool {
	return r.obtain(ClientID(req)).Allow()
}

func (r *RateLimiter) obtain(id string) *rate.Limiter {
	now := r.nowFn()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(now)
	v, ok := r.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(r.perMinute/60.0), r.burst)}
		r.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter
}

func (r *RateLimiter) sweepLocked(now time.Time) {
	for id, v := range r.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(r.visitors, id)
		}
	}
}

// ClientID derives the rate-limit key for a request.
func ClientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if raw := r.Header.Get("X-Forwarded-For"); raw != "" {
		first := raw
		if comma := strings.IndexByte(raw, ','); comma > 0 {
			first = raw[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
