package capability

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Patch describes a partial capability update. Nil fields are left
// untouched; the merged record is re-validated before any write.
type Patch struct {
	TaskType           *TaskType
	CustomType         *string
	InputSchema        map[string]any
	OutputSchema       map[string]any
	EstimatedLatencyMs *int64
	EstimatedCostUsd   *float64
	MaxInputBytes      *int64
	Scope              *Scope
	Enabled            *bool
	AcceptDelegations  *bool
	InboundRateLimit   *int
	OutboundRateLimit  *int
}

// Registry wraps a Store with validation, id assignment and the
// metrics-only write path used by the trust service.
type Registry struct {
	store Store
	now   func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the registry clock, mainly for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Create validates and persists a new capability, assigning an id and
// default rate limits.
func (r *Registry) Create(ctx context.Context, c *Capability) (*Capability, error) {
	row := c.Clone()
	if row.Scope == "" {
		row.Scope = ScopeInternal
	}
	if row.InboundRateLimit == 0 {
		row.InboundRateLimit = DefaultInboundRateLimit
	}
	if row.OutboundRateLimit == 0 {
		row.OutboundRateLimit = DefaultOutboundRateLimit
	}
	if err := Validate(row); err != nil {
		return nil, err
	}
	row.ID = uuid.NewString()
	now := r.now()
	row.CreatedAt = now
	row.UpdatedAt = now
	if err := r.store.Create(ctx, row); err != nil {
		return nil, err
	}
	return row.Clone(), nil
}

// Get returns the capability for (tenantID, id).
func (r *Registry) Get(ctx context.Context, tenantID, id string) (*Capability, error) {
	return r.store.Get(ctx, tenantID, id)
}

// ListByTenant lists tenant capabilities with optional task type and
// agent filters.
func (r *Registry) ListByTenant(ctx context.Context, tenantID string, filter Filter) ([]*Capability, error) {
	return r.store.ListByTenant(ctx, tenantID, filter)
}

// ListByAgent lists the capabilities owned by an agent.
func (r *Registry) ListByAgent(ctx context.Context, tenantID, agentID string) ([]*Capability, error) {
	return r.store.ListByAgent(ctx, tenantID, agentID)
}

// Update applies a partial update and re-validates the merged record
// with the same rules as Create.
func (r *Registry) Update(ctx context.Context, tenantID, id string, patch Patch) (*Capability, error) {
	row, err := r.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	applyPatch(row, patch)
	if err := Validate(row); err != nil {
		return nil, err
	}
	row.UpdatedAt = r.now()
	if err := r.store.Update(ctx, row); err != nil {
		return nil, err
	}
	return row.Clone(), nil
}

// Delete removes a single capability.
func (r *Registry) Delete(ctx context.Context, tenantID, id string) error {
	return r.store.Delete(ctx, tenantID, id)
}

// DeleteByAgent cascades removal of every capability owned by the agent.
func (r *Registry) DeleteByAgent(ctx context.Context, tenantID, agentID string) (int, error) {
	return r.store.DeleteByAgent(ctx, tenantID, agentID)
}

// UpdateQualityMetrics writes quality metrics into every capability row
// owned by the agent. This is the only mutation the trust service
// performs on the registry.
func (r *Registry) UpdateQualityMetrics(ctx context.Context, tenantID, agentID string, metrics QualityMetrics) error {
	rows, err := r.store.ListByAgent(ctx, tenantID, agentID)
	if err != nil {
		return err
	}
	now := r.now()
	for _, row := range rows {
		row.QualityMetrics = cloneMetrics(metrics)
		row.UpdatedAt = now
		if err := r.store.Update(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func applyPatch(row *Capability, patch Patch) {
	if patch.TaskType != nil {
		row.TaskType = *patch.TaskType
		if *patch.TaskType != TaskCustom && patch.CustomType == nil {
			row.CustomType = ""
		}
	}
	if patch.CustomType != nil {
		row.CustomType = *patch.CustomType
	}
	if patch.InputSchema != nil {
		row.InputSchema = cloneSchema(patch.InputSchema)
	}
	if patch.OutputSchema != nil {
		row.OutputSchema = cloneSchema(patch.OutputSchema)
	}
	if patch.EstimatedLatencyMs != nil {
		row.EstimatedLatencyMs = cloneInt64(patch.EstimatedLatencyMs)
	}
	if patch.EstimatedCostUsd != nil {
		row.EstimatedCostUsd = cloneFloat64(patch.EstimatedCostUsd)
	}
	if patch.MaxInputBytes != nil {
		row.MaxInputBytes = cloneInt64(patch.MaxInputBytes)
	}
	if patch.Scope != nil {
		row.Scope = *patch.Scope
	}
	if patch.Enabled != nil {
		row.Enabled = *patch.Enabled
	}
	if patch.AcceptDelegations != nil {
		row.AcceptDelegations = *patch.AcceptDelegations
	}
	if patch.InboundRateLimit != nil {
		row.InboundRateLimit = *patch.InboundRateLimit
	}
	if patch.OutboundRateLimit != nil {
		row.OutboundRateLimit = *patch.OutboundRateLimit
	}
}
