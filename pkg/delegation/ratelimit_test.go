package delegation

import (
	"testing"
	"time"
)

func TestRateLimiterExactBudget(t *testing.T) {
	limiter := NewRateLimiter()
	for i := 0; i < 10; i++ {
		if !limiter.Allow("tenant-1", "inbound", "agent-1", 10) {
			t.Fatalf("call %d should be within the limit", i+1)
		}
	}
	if limiter.Allow("tenant-1", "inbound", "agent-1", 10) {
		t.Fatalf("call 11 should be rejected")
	}
}

func TestRateLimiterKeyedByDirectionAndAgent(t *testing.T) {
	limiter := NewRateLimiter()
	if !limiter.Allow("tenant-1", "inbound", "agent-1", 1) {
		t.Fatalf("first inbound call should pass")
	}
	if limiter.Allow("tenant-1", "inbound", "agent-1", 1) {
		t.Fatalf("second inbound call should be rejected")
	}
	// Different direction and different agent have their own buckets.
	if !limiter.Allow("tenant-1", "outbound", "agent-1", 1) {
		t.Errorf("outbound bucket should be independent")
	}
	if !limiter.Allow("tenant-1", "inbound", "agent-2", 1) {
		t.Errorf("agent-2 bucket should be independent")
	}
}

func TestRateLimiterTenantsNeverShareBuckets(t *testing.T) {
	limiter := NewRateLimiter()
	// Same agent id in two tenants: exhausting tenant-1's budget must
	// leave tenant-2's untouched.
	if !limiter.Allow("tenant-1", "outbound", "agent-shared", 1) {
		t.Fatalf("tenant-1's first call should pass")
	}
	if limiter.Allow("tenant-1", "outbound", "agent-shared", 1) {
		t.Fatalf("tenant-1's bucket should be exhausted")
	}
	if !limiter.Allow("tenant-2", "outbound", "agent-shared", 1) {
		t.Fatalf("tenant-2's first call must not be charged to tenant-1's bucket")
	}
	if limiter.Allow("tenant-2", "outbound", "agent-shared", 1) {
		t.Fatalf("tenant-2's bucket should now be exhausted independently")
	}
}

func TestRateLimiterLazyWindowReset(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(
		WithRateClock(func() time.Time { return now }),
		WithRateWindow(time.Minute),
	)

	if !limiter.Allow("tenant-1", "outbound", "agent-1", 1) {
		t.Fatalf("first call should pass")
	}
	if limiter.Allow("tenant-1", "outbound", "agent-1", 1) {
		t.Fatalf("bucket should be exhausted")
	}

	now = now.Add(59 * time.Second)
	if limiter.Allow("tenant-1", "outbound", "agent-1", 1) {
		t.Fatalf("window has not elapsed yet")
	}

	now = now.Add(time.Second)
	if !limiter.Allow("tenant-1", "outbound", "agent-1", 1) {
		t.Fatalf("bucket should reset after the window elapses")
	}
}

func TestRateLimiterZeroLimit(t *testing.T) {
	limiter := NewRateLimiter()
	if limiter.Allow("tenant-1", "inbound", "agent-1", 0) {
		t.Fatalf("zero limit should reject everything")
	}
}
