package trust

import (
	"context"
	"sync"
	"time"
)

// InMemoryHealthProvider stores health snapshots per (tenant, agent).
// Deployments with an external health system implement HealthProvider
// against it instead.
type InMemoryHealthProvider struct {
	mu        sync.RWMutex
	now       func() time.Time
	snapshots map[healthKey][]Snapshot
}

type healthKey struct {
	tenantID string
	agentID  string
}

// HealthOption configures an InMemoryHealthProvider.
type HealthOption func(*InMemoryHealthProvider)

// WithHealthClock overrides the provider clock.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(p *InMemoryHealthProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewInMemoryHealthProvider creates an empty provider.
func NewInMemoryHealthProvider(opts ...HealthOption) *InMemoryHealthProvider {
	p := &InMemoryHealthProvider{
		now:       func() time.Time { return time.Now().UTC() },
		snapshots: make(map[healthKey][]Snapshot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Record appends one health observation.
func (p *InMemoryHealthProvider) Record(tenantID, agentID string, snapshot Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = p.now()
	}
	key := healthKey{tenantID: tenantID, agentID: agentID}
	p.snapshots[key] = append(p.snapshots[key], snapshot)
}

// GetHistory returns the agent's snapshots from the trailing window.
func (p *InMemoryHealthProvider) GetHistory(_ context.Context, tenantID, agentID string, days int) ([]Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cutoff := p.now().AddDate(0, 0, -days)
	var out []Snapshot
	for _, snapshot := range p.snapshots[healthKey{tenantID: tenantID, agentID: agentID}] {
		if !snapshot.CreatedAt.Before(cutoff) {
			out = append(out, snapshot)
		}
	}
	return out, nil
}

var _ HealthProvider = (*InMemoryHealthProvider)(nil)
