package discovery

import (
	"context"
	"sync"
)

// Default tenant discovery settings. Delegation is off until a tenant
// explicitly enables it.
const (
	DefaultMinTrustThreshold = 60.0
)

// Config is the per-tenant discovery configuration.
type Config struct {
	// MinTrustThreshold is a trust-percentile floor applied to every
	// discovery query for the tenant.
	MinTrustThreshold float64 `json:"minTrustThreshold"`

	// DelegationEnabled is the tenant-wide delegation kill switch.
	DelegationEnabled bool `json:"delegationEnabled"`
}

// DefaultConfig returns the settings used for tenants that never
// configured discovery.
func DefaultConfig() Config {
	return Config{MinTrustThreshold: DefaultMinTrustThreshold, DelegationEnabled: false}
}

// ConfigStore holds per-tenant discovery configuration.
type ConfigStore interface {
	Get(ctx context.Context, tenantID string) (Config, error)
	Set(ctx context.Context, tenantID string, cfg Config) error
}

// InMemoryConfigStore is a mutex-guarded config store.
type InMemoryConfigStore struct {
	mu      sync.RWMutex
	configs map[string]Config
}

// NewInMemoryConfigStore creates an empty config store; unknown tenants
// resolve to DefaultConfig.
func NewInMemoryConfigStore() *InMemoryConfigStore {
	return &InMemoryConfigStore{configs: make(map[string]Config)}
}

// Get returns the tenant's config or the defaults.
func (s *InMemoryConfigStore) Get(_ context.Context, tenantID string) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cfg, ok := s.configs[tenantID]; ok {
		return cfg, nil
	}
	return DefaultConfig(), nil
}

// Set stores the tenant's config.
func (s *InMemoryConfigStore) Set(_ context.Context, tenantID string, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[tenantID] = cfg
	return nil
}
