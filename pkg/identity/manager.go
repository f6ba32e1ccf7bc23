// Package identity maps real agent ids to rotating anonymous ids. Every
// cross-agent-visible field (discovery results, delegation requester and
// target ids, audit entries) carries the anonymous id, never the real one.
package identity

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRotationWindow is how long an anonymous id stays current
	// before a lookup mints a replacement.
	DefaultRotationWindow = time.Hour

	// DefaultRetirementGrace is how long a rotated-out id remains
	// resolvable, so in-flight delegation handshakes that reference it
	// do not break mid-exchange.
	DefaultRetirementGrace = 10 * time.Minute
)

type mappingKey struct {
	tenantID string
	agentID  string
}

type retiredID struct {
	id        string
	retiredAt time.Time
}

type mapping struct {
	current  string
	issuedAt time.Time
	retired  []retiredID
}

// Manager owns the (tenant, agent) -> anonymous id mapping. The clock is
// injectable so rotation boundaries are deterministically testable.
type Manager struct {
	mu      sync.Mutex
	now     func() time.Time
	window  time.Duration
	grace   time.Duration
	entries map[mappingKey]*mapping
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRotationWindow sets how long an id stays current.
func WithRotationWindow(window time.Duration) Option {
	return func(m *Manager) {
		if window > 0 {
			m.window = window
		}
	}
}

// WithRetirementGrace sets how long rotated-out ids stay resolvable.
func WithRetirementGrace(grace time.Duration) Option {
	return func(m *Manager) {
		if grace > 0 {
			m.grace = grace
		}
	}
}

// NewManager creates an anonymous identity manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		now:     func() time.Time { return time.Now().UTC() },
		window:  DefaultRotationWindow,
		grace:   DefaultRetirementGrace,
		entries: make(map[mappingKey]*mapping),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// GetOrRotate returns the current anonymous id for (tenantID, agentID),
// minting one lazily on first lookup and rotating once the current id is
// older than the rotation window. Idempotent within a window.
func (m *Manager) GetOrRotate(tenantID, agentID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := mappingKey{tenantID: tenantID, agentID: agentID}
	entry, ok := m.entries[key]
	if !ok {
		entry = &mapping{current: newAnonymousID(), issuedAt: now}
		m.entries[key] = entry
		return entry.current
	}
	if now.Sub(entry.issuedAt) > m.window {
		entry.retired = append(entry.retired, retiredID{id: entry.current, retiredAt: now})
		entry.current = newAnonymousID()
		entry.issuedAt = now
	}
	m.pruneLocked(entry, now)
	return entry.current
}

// IsFor reports whether anonymousID currently stands for (tenantID,
// agentID), including ids retired within the grace window. This is the
// only reverse path the manager exposes; a full anonymous-to-real lookup
// is deliberately absent so real ids cannot leak through logs or payloads.
func (m *Manager) IsFor(tenantID, agentID, anonymousID string) bool {
	if anonymousID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[mappingKey{tenantID: tenantID, agentID: agentID}]
	if !ok {
		return false
	}
	now := m.now()
	m.pruneLocked(entry, now)
	if entry.current == anonymousID {
		return true
	}
	for _, r := range entry.retired {
		if r.id == anonymousID {
			return true
		}
	}
	return false
}

// ActiveIDs returns the agent's current anonymous id plus any retired
// ids still inside the grace window, newest first. Used by inbox fetches
// so requests addressed just before a rotation are still delivered.
func (m *Manager) ActiveIDs(tenantID, agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[mappingKey{tenantID: tenantID, agentID: agentID}]
	if !ok {
		return nil
	}
	m.pruneLocked(entry, m.now())
	out := make([]string, 0, len(entry.retired)+1)
	out = append(out, entry.current)
	for i := len(entry.retired) - 1; i >= 0; i-- {
		out = append(out, entry.retired[i].id)
	}
	return out
}

func (m *Manager) pruneLocked(entry *mapping, now time.Time) {
	kept := entry.retired[:0]
	for _, r := range entry.retired {
		if now.Sub(r.retiredAt) <= m.grace {
			kept = append(kept, r)
		}
	}
	entry.retired = kept
}

func newAnonymousID() string {
	return "anon-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}
