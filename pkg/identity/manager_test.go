package identity

import (
	"strings"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(clock *fakeClock, opts ...Option) *Manager {
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewManager(opts...)
}

func TestGetOrRotateIdempotentWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	m := newTestManager(clock)

	first := m.GetOrRotate("t1", "agent-1")
	if first == "" {
		t.Fatalf("expected anonymous id")
	}
	clock.Advance(30 * time.Minute)
	if got := m.GetOrRotate("t1", "agent-1"); got != first {
		t.Fatalf("expected stable id within window, got %q then %q", first, got)
	}
}

func TestRotationAfterWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	m := newTestManager(clock)

	first := m.GetOrRotate("t1", "agent-1")
	clock.Advance(DefaultRotationWindow + time.Minute)
	second := m.GetOrRotate("t1", "agent-1")
	if second == first {
		t.Fatalf("expected rotation to mint a new id")
	}
	// Both resolve while the retired id is inside the grace window.
	if !m.IsFor("t1", "agent-1", second) {
		t.Errorf("current id must resolve")
	}
	if !m.IsFor("t1", "agent-1", first) {
		t.Errorf("retired id must stay resolvable during grace")
	}

	clock.Advance(DefaultRetirementGrace + time.Minute)
	if m.IsFor("t1", "agent-1", first) {
		t.Errorf("retired id must expire after grace")
	}
	if !m.IsFor("t1", "agent-1", second) {
		t.Errorf("current id must still resolve")
	}
}

func TestNeverReturnsRealAgentID(t *testing.T) {
	m := NewManager()
	anon := m.GetOrRotate("t1", "agent-1")
	if anon == "agent-1" || strings.Contains(anon, "agent-1") {
		t.Fatalf("anonymous id leaks real agent id: %q", anon)
	}
	if !strings.HasPrefix(anon, "anon-") {
		t.Fatalf("unexpected id shape: %q", anon)
	}
}

func TestIsForScopedToTenantAndAgent(t *testing.T) {
	m := NewManager()
	anon := m.GetOrRotate("t1", "agent-1")
	if m.IsFor("t1", "agent-2", anon) {
		t.Errorf("id must not resolve for another agent")
	}
	if m.IsFor("t2", "agent-1", anon) {
		t.Errorf("id must not resolve for another tenant")
	}
	if m.IsFor("t1", "agent-1", "") {
		t.Errorf("empty id must not resolve")
	}
}

func TestActiveIDsIncludesGraceWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	m := newTestManager(clock, WithRotationWindow(time.Minute), WithRetirementGrace(time.Hour))

	first := m.GetOrRotate("t1", "agent-1")
	clock.Advance(2 * time.Minute)
	second := m.GetOrRotate("t1", "agent-1")

	ids := m.ActiveIDs("t1", "agent-1")
	if len(ids) != 2 {
		t.Fatalf("expected current + retired, got %v", ids)
	}
	if ids[0] != second || ids[1] != first {
		t.Fatalf("expected newest first, got %v", ids)
	}
	if m.ActiveIDs("t1", "unknown") != nil {
		t.Errorf("unknown agent has no ids")
	}
}
