package delegation

import (
	"sync"
	"time"
)

// DefaultRateWindow is the sliding-window length for rate buckets.
const DefaultRateWindow = time.Minute

type bucketKey struct {
	tenantID  string
	direction string
	agentID   string
}

type bucket struct {
	count       int
	windowStart time.Time
}

// RateLimiter tracks per-(tenant, direction, agent) request counts in
// sliding windows. Tenants never share a bucket, even when their agent
// ids collide. Buckets are reset lazily when a check finds the window
// has elapsed, and the check-then-increment is atomic under the mutex.
// Instances are owned by the service that uses them, never shared
// process-wide, and carry no state across restarts.
type RateLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	window  time.Duration
	buckets map[bucketKey]*bucket
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateClock overrides the limiter clock.
func WithRateClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithRateWindow sets the sliding-window length.
func WithRateWindow(window time.Duration) RateLimiterOption {
	return func(l *RateLimiter) {
		if window > 0 {
			l.window = window
		}
	}
}

// NewRateLimiter creates a limiter with the default one-minute window.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		now:     func() time.Time { return time.Now().UTC() },
		window:  DefaultRateWindow,
		buckets: make(map[bucketKey]*bucket),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Allow consumes one slot from the (tenantID, direction, agentID)
// bucket and reports whether the request is within the limit. Exactly
// the first limit calls in a window succeed.
func (l *RateLimiter) Allow(tenantID, direction, agentID string, limit int) bool {
	if limit <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := bucketKey{tenantID: tenantID, direction: direction, agentID: agentID}
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= l.window {
		b = &bucket{windowStart: now}
		l.buckets[key] = b
	}
	if b.count >= limit {
		return false
	}
	b.count++
	return true
}
