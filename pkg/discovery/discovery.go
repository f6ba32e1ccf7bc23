// Package discovery answers "who can do X" queries: it filters the
// capability registry and ranks candidates by a composite of trust,
// cost and latency. Results only ever carry anonymous agent ids.
package discovery

import (
	"context"
	"sort"

	"github.com/agentlens/mesh/pkg/capability"
	"github.com/agentlens/mesh/pkg/telemetry"
)

// Scoring weights and normalization ceilings for the composite rank.
const (
	trustWeight   = 0.5
	costWeight    = 0.3
	latencyWeight = 0.2

	defaultMaxCostUsd   = 100.0
	defaultMaxLatencyMs = 30000.0

	// unknownNormalized is used for the cost or latency term when the
	// capability declares no estimate.
	unknownNormalized = 0.5

	defaultTrustPercentile = 50.0

	// MaxLimit caps result list length regardless of the query.
	MaxLimit = 20

	// provisionalCompletedTasks is the completed-task count below which
	// a result is flagged provisional.
	provisionalCompletedTasks = 10
)

// Query selects and ranks capabilities for one task type.
type Query struct {
	TaskType      capability.TaskType
	CustomType    string
	MinTrustScore *float64
	MaxCostUsd    *float64
	MaxLatencyMs  *int64
	Limit         int
}

// Result is one ranked discovery hit. AgentID is the anonymous id; the
// real agent id never crosses this boundary.
type Result struct {
	AgentID              string
	CapabilityID         string
	TaskType             capability.TaskType
	CustomType           string
	InputSchema          map[string]any
	OutputSchema         map[string]any
	TrustScorePercentile float64
	Provisional          bool
	EstimatedLatencyMs   *int64
	EstimatedCostUsd     *float64
	QualityMetrics       capability.QualityMetrics
	Score                float64
}

// Anonymizer supplies rotating anonymous ids for discovered agents.
type Anonymizer interface {
	GetOrRotate(tenantID, agentID string) string
}

// Service runs discovery queries over a capability registry.
type Service struct {
	registry *capability.Registry
	configs  ConfigStore
	anon     Anonymizer
	metrics  *telemetry.MeshMetrics
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMetrics wires OTEL metrics. A nil tracker is a no-op.
func WithMetrics(m *telemetry.MeshMetrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a discovery service.
func NewService(registry *capability.Registry, configs ConfigStore, anon Anonymizer, opts ...ServiceOption) *Service {
	s := &Service{registry: registry, configs: configs, anon: anon}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Discover returns enabled tenant capabilities matching the query,
// ranked by descending composite score and truncated to the query limit.
func (s *Service) Discover(ctx context.Context, tenantID string, query Query) ([]Result, error) {
	cfg, err := s.configs.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	rows, err := s.registry.ListByTenant(ctx, tenantID, capability.Filter{TaskType: query.TaskType})
	if err != nil {
		return nil, err
	}

	trustFloor := cfg.MinTrustThreshold
	if query.MinTrustScore != nil && *query.MinTrustScore > trustFloor {
		trustFloor = *query.MinTrustScore
	}

	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		if !row.Matches(query.TaskType, query.CustomType) {
			continue
		}
		trust := defaultTrustPercentile
		if row.QualityMetrics.TrustScorePercentile != nil {
			trust = *row.QualityMetrics.TrustScorePercentile
		}
		if trust < trustFloor {
			continue
		}
		// Capabilities without an estimate pass the cost/latency filters.
		if query.MaxCostUsd != nil && row.EstimatedCostUsd != nil && *row.EstimatedCostUsd > *query.MaxCostUsd {
			continue
		}
		if query.MaxLatencyMs != nil && row.EstimatedLatencyMs != nil && *row.EstimatedLatencyMs > *query.MaxLatencyMs {
			continue
		}

		results = append(results, Result{
			AgentID:              s.anon.GetOrRotate(tenantID, row.AgentID),
			CapabilityID:         row.ID,
			TaskType:             row.TaskType,
			CustomType:           row.CustomType,
			InputSchema:          row.InputSchema,
			OutputSchema:         row.OutputSchema,
			TrustScorePercentile: trust,
			Provisional:          row.QualityMetrics.CompletedTasks < provisionalCompletedTasks,
			EstimatedLatencyMs:   row.EstimatedLatencyMs,
			EstimatedCostUsd:     row.EstimatedCostUsd,
			QualityMetrics:       row.QualityMetrics,
			Score:                compositeScore(row, trust, query),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].CapabilityID < results[j].CapabilityID
		}
		return results[i].Score > results[j].Score
	})

	limit := query.Limit
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}
	if len(results) > limit {
		results = results[:limit]
	}
	s.metrics.RecordDiscoveryQuery(ctx, string(query.TaskType), len(results))
	return results, nil
}

// compositeScore blends trust with inverted, normalized cost and latency.
func compositeScore(row *capability.Capability, trustPercentile float64, query Query) float64 {
	trust := trustPercentile / 100.0

	maxCost := defaultMaxCostUsd
	if query.MaxCostUsd != nil && *query.MaxCostUsd > 0 {
		maxCost = *query.MaxCostUsd
	}
	normCost := unknownNormalized
	if row.EstimatedCostUsd != nil {
		normCost = *row.EstimatedCostUsd / maxCost
		if normCost > 1 {
			normCost = 1
		}
	}

	maxLatency := defaultMaxLatencyMs
	if query.MaxLatencyMs != nil && *query.MaxLatencyMs > 0 {
		maxLatency = float64(*query.MaxLatencyMs)
	}
	normLatency := unknownNormalized
	if row.EstimatedLatencyMs != nil {
		normLatency = float64(*row.EstimatedLatencyMs) / maxLatency
		if normLatency > 1 {
			normLatency = 1
		}
	}

	return trustWeight*trust + costWeight*(1-normCost) + latencyWeight*(1-normLatency)
}
