// Package trust derives 0-100 trust scores from health history and
// delegation outcomes and writes them back into the capability
// registry, closing the feedback loop into discovery ranking.
package trust

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/agentlens/mesh/pkg/audit"
	"github.com/agentlens/mesh/pkg/capability"
)

// Scoring weights and defaults.
const (
	healthWeight     = 0.6
	delegationWeight = 0.4

	// defaultComponent is used when an agent has no health history or
	// no delegation history yet.
	defaultComponent = 50.0

	// HealthWindowDays bounds the health history considered.
	HealthWindowDays = 30

	// ProvisionalDelegations is the outbound history below which a
	// score is flagged provisional.
	ProvisionalDelegations = 10
)

// Snapshot is one health observation for an agent.
type Snapshot struct {
	OverallScore float64   `json:"overallScore"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HealthProvider supplies recent health snapshots for an agent. A nil
// provider means no health data and the default component applies.
type HealthProvider interface {
	GetHistory(ctx context.Context, tenantID, agentID string, days int) ([]Snapshot, error)
}

// Score is a derived trust score. It is never stored as its own row;
// the persisted form lives in Capability.QualityMetrics.
type Score struct {
	RawScore            float64 `json:"rawScore"`
	Percentile          float64 `json:"percentile"`
	HealthComponent     float64 `json:"healthComponent"`
	DelegationComponent float64 `json:"delegationComponent"`
	Provisional         bool    `json:"provisional"`
	TotalDelegations    int64   `json:"totalDelegations"`
	CompletedTasks      int64   `json:"completedTasks"`
}

// Service computes trust scores from the audit log and health history.
type Service struct {
	registry *capability.Registry
	auditLog audit.Log
	health   HealthProvider
	logger   *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithHealthProvider wires a health history source.
func WithHealthProvider(health HealthProvider) ServiceOption {
	return func(s *Service) { s.health = health }
}

// WithLogger overrides the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a trust service.
func NewService(registry *capability.Registry, auditLog audit.Log, opts ...ServiceOption) *Service {
	s := &Service{
		registry: registry,
		auditLog: auditLog,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// GetTrustScore computes the agent's current trust score, including its
// percentile rank among the tenant's other known agents.
func (s *Service) GetTrustScore(ctx context.Context, tenantID, agentID string) (*Score, error) {
	score, err := s.computeScore(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}

	agents, err := s.tenantAgents(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	others := make([]string, 0, len(agents))
	for _, other := range agents {
		if other != agentID {
			others = append(others, other)
		}
	}
	if len(others) == 0 {
		score.Percentile = 100
		return score, nil
	}

	lower := 0
	for _, other := range others {
		otherScore, err := s.computeScore(ctx, tenantID, other)
		if err != nil {
			return nil, err
		}
		if otherScore.RawScore < score.RawScore {
			lower++
		}
	}
	score.Percentile = float64(lower) / float64(len(others)) * 100
	return score, nil
}

// UpdateAfterDelegation recomputes the agent's score and persists it
// into every capability row the agent owns. This is the write side of
// the discovery feedback loop; it runs after each delegation outcome.
func (s *Service) UpdateAfterDelegation(ctx context.Context, tenantID, agentID string) error {
	score, err := s.GetTrustScore(ctx, tenantID, agentID)
	if err != nil {
		return err
	}

	percentile := score.Percentile
	raw := score.RawScore
	metrics := capability.QualityMetrics{
		TrustScorePercentile: &percentile,
		TrustRawScore:        &raw,
		Provisional:          score.Provisional,
		CompletedTasks:       score.CompletedTasks,
	}
	if score.TotalDelegations > 0 {
		rate := float64(score.CompletedTasks) / float64(score.TotalDelegations)
		metrics.SuccessRate = &rate
	}
	if err := s.registry.UpdateQualityMetrics(ctx, tenantID, agentID, metrics); err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "trust score updated",
		slog.String("agent_id", agentID),
		slog.Float64("raw_score", raw),
		slog.Float64("percentile", percentile),
		slog.Bool("provisional", score.Provisional))
	return nil
}

// computeScore derives the raw score for one agent without ranking it.
func (s *Service) computeScore(ctx context.Context, tenantID, agentID string) (*Score, error) {
	health, err := s.healthComponent(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}
	delegation, total, completed, err := s.delegationComponent(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}
	return &Score{
		RawScore:            healthWeight*health + delegationWeight*delegation,
		HealthComponent:     health,
		DelegationComponent: delegation,
		Provisional:         total < ProvisionalDelegations,
		TotalDelegations:    total,
		CompletedTasks:      completed,
	}, nil
}

func (s *Service) healthComponent(ctx context.Context, tenantID, agentID string) (float64, error) {
	if s.health == nil {
		return defaultComponent, nil
	}
	history, err := s.health.GetHistory(ctx, tenantID, agentID, HealthWindowDays)
	if err != nil {
		return 0, err
	}
	if len(history) == 0 {
		return defaultComponent, nil
	}
	sum := 0.0
	for _, snapshot := range history {
		sum += snapshot.OverallScore
	}
	return sum / float64(len(history)), nil
}

// delegationComponent is the outbound success ratio over terminal
// outcomes. Completed counts as success; error, timeout and rejected
// count against the agent.
func (s *Service) delegationComponent(ctx context.Context, tenantID, agentID string) (float64, int64, int64, error) {
	entries, err := s.auditLog.Query(ctx, tenantID, audit.QueryFilter{
		Direction: audit.DirectionOutbound,
		AgentID:   agentID,
	})
	if err != nil {
		return 0, 0, 0, err
	}

	var total, completed int64
	for _, entry := range entries {
		switch entry.Status {
		case "completed":
			total++
			completed++
		case "error", "timeout", "rejected":
			total++
		}
	}
	if total == 0 {
		return defaultComponent, 0, 0, nil
	}
	return float64(completed) / float64(total) * 100, total, completed, nil
}

// tenantAgents lists the distinct agents known to the tenant via their
// registered capabilities.
func (s *Service) tenantAgents(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.registry.ListByTenant(ctx, tenantID, capability.Filter{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(rows))
	agents := make([]string, 0, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.AgentID]; ok {
			continue
		}
		seen[row.AgentID] = struct{}{}
		agents = append(agents, row.AgentID)
	}
	sort.Strings(agents)
	return agents, nil
}
