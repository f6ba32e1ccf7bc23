package capability

import (
	"context"
	"sort"
	"sync"

	"github.com/agentlens/mesh/pkg/errors"
)

// Filter narrows ListByTenant results.
type Filter struct {
	TaskType TaskType
	AgentID  string
}

// Store is the persistence collaborator for capabilities. All reads and
// writes are tenant-scoped; implementations must report NOT_FOUND for
// ids that exist in another tenant.
type Store interface {
	Create(ctx context.Context, c *Capability) error
	Get(ctx context.Context, tenantID, id string) (*Capability, error)
	ListByTenant(ctx context.Context, tenantID string, filter Filter) ([]*Capability, error)
	ListByAgent(ctx context.Context, tenantID, agentID string) ([]*Capability, error)
	Update(ctx context.Context, c *Capability) error
	Delete(ctx context.Context, tenantID, id string) error
	DeleteByAgent(ctx context.Context, tenantID, agentID string) (int, error)
}

// InMemoryStore is a mutex-guarded map store for single-process
// deployments and tests.
type InMemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*Capability
}

// NewInMemoryStore creates an empty in-memory capability store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{rows: make(map[string]*Capability)}
}

func notFound(id string) error {
	return errors.New(errors.CodeNotFound, "capability not found", nil).WithContext("id", id)
}

// Create stores a new capability row.
func (s *InMemoryStore) Create(_ context.Context, c *Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[c.ID]; ok {
		return errors.New(errors.CodeStateConflict, "capability id already exists", nil)
	}
	s.rows[c.ID] = c.Clone()
	return nil
}

// Get returns the capability for (tenantID, id), or NOT_FOUND.
func (s *InMemoryStore) Get(_ context.Context, tenantID, id string) (*Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok || row.TenantID != tenantID {
		return nil, notFound(id)
	}
	return row.Clone(), nil
}

// ListByTenant returns all tenant capabilities matching the filter,
// ordered by creation time then id for determinism.
func (s *InMemoryStore) ListByTenant(_ context.Context, tenantID string, filter Filter) ([]*Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Capability, 0)
	for _, row := range s.rows {
		if row.TenantID != tenantID {
			continue
		}
		if filter.TaskType != "" && row.TaskType != filter.TaskType {
			continue
		}
		if filter.AgentID != "" && row.AgentID != filter.AgentID {
			continue
		}
		out = append(out, row.Clone())
	}
	sortRows(out)
	return out, nil
}

// ListByAgent returns all capabilities owned by the agent.
func (s *InMemoryStore) ListByAgent(ctx context.Context, tenantID, agentID string) ([]*Capability, error) {
	return s.ListByTenant(ctx, tenantID, Filter{AgentID: agentID})
}

// Update replaces the stored row. The row must already exist in the
// same tenant.
func (s *InMemoryStore) Update(_ context.Context, c *Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[c.ID]
	if !ok || row.TenantID != c.TenantID {
		return notFound(c.ID)
	}
	s.rows[c.ID] = c.Clone()
	return nil
}

// Delete removes a single capability row.
func (s *InMemoryStore) Delete(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.TenantID != tenantID {
		return notFound(id)
	}
	delete(s.rows, id)
	return nil
}

// DeleteByAgent removes every capability owned by the agent and returns
// how many rows were removed.
func (s *InMemoryStore) DeleteByAgent(_ context.Context, tenantID, agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, row := range s.rows {
		if row.TenantID == tenantID && row.AgentID == agentID {
			delete(s.rows, id)
			removed++
		}
	}
	return removed, nil
}

func sortRows(rows []*Capability) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}
