// Package capability provides the tenant-scoped directory of declared
// task capabilities that agents expose for delegation.
package capability

import (
	"time"
)

// TaskType describes a known kind of delegable work.
type TaskType string

const (
	TaskTranslation    TaskType = "translation"
	TaskSummarization  TaskType = "summarization"
	TaskClassification TaskType = "classification"
	TaskExtraction     TaskType = "extraction"
	TaskGeneration     TaskType = "generation"
	TaskReview         TaskType = "review"
	// TaskCustom requires CustomType to be set on the capability.
	TaskCustom TaskType = "custom"
)

// Scope controls whether a capability is visible outside the tenant's
// internal agents.
type Scope string

const (
	ScopeInternal Scope = "internal"
	ScopePublic   Scope = "public"
)

// Default per-window request limits applied when a capability does not
// declare its own.
const (
	DefaultInboundRateLimit  = 10
	DefaultOutboundRateLimit = 20
)

// QualityMetrics is the explicitly-keyed quality record written by the
// trust service and read by discovery. Kept narrow rather than an open
// map so writer and reader cannot drift.
type QualityMetrics struct {
	TrustScorePercentile *float64 `json:"trustScorePercentile,omitempty"`
	TrustRawScore        *float64 `json:"trustRawScore,omitempty"`
	Provisional          bool     `json:"provisional"`
	SuccessRate          *float64 `json:"successRate,omitempty"`
	CompletedTasks       int64    `json:"completedTasks"`
}

// Capability is a declared task type an agent can perform, owned by
// (TenantID, AgentID).
type Capability struct {
	ID                 string         `json:"id"`
	TenantID           string         `json:"tenantId"`
	AgentID            string         `json:"agentId"`
	TaskType           TaskType       `json:"taskType"`
	CustomType         string         `json:"customType,omitempty"`
	InputSchema        map[string]any `json:"inputSchema,omitempty"`
	OutputSchema       map[string]any `json:"outputSchema,omitempty"`
	QualityMetrics     QualityMetrics `json:"qualityMetrics"`
	EstimatedLatencyMs *int64         `json:"estimatedLatencyMs,omitempty"`
	EstimatedCostUsd   *float64       `json:"estimatedCostUsd,omitempty"`
	MaxInputBytes      *int64         `json:"maxInputBytes,omitempty"`
	Scope              Scope          `json:"scope"`
	Enabled            bool           `json:"enabled"`
	AcceptDelegations  bool           `json:"acceptDelegations"`
	InboundRateLimit   int            `json:"inboundRateLimit"`
	OutboundRateLimit  int            `json:"outboundRateLimit"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// Matches reports whether the capability serves the given task type, and
// custom type when the task type is custom.
func (c *Capability) Matches(taskType TaskType, customType string) bool {
	if c.TaskType != taskType {
		return false
	}
	if taskType == TaskCustom && customType != "" && c.CustomType != customType {
		return false
	}
	return true
}

// Clone returns a deep copy so stored records never share mutable state
// with callers.
func (c *Capability) Clone() *Capability {
	if c == nil {
		return nil
	}
	out := *c
	out.InputSchema = cloneSchema(c.InputSchema)
	out.OutputSchema = cloneSchema(c.OutputSchema)
	out.QualityMetrics = cloneMetrics(c.QualityMetrics)
	out.EstimatedLatencyMs = cloneInt64(c.EstimatedLatencyMs)
	out.EstimatedCostUsd = cloneFloat64(c.EstimatedCostUsd)
	out.MaxInputBytes = cloneInt64(c.MaxInputBytes)
	return &out
}

func cloneSchema(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneMetrics(in QualityMetrics) QualityMetrics {
	out := in
	out.TrustScorePercentile = cloneFloat64(in.TrustScorePercentile)
	out.TrustRawScore = cloneFloat64(in.TrustRawScore)
	out.SuccessRate = cloneFloat64(in.SuccessRate)
	return out
}

func cloneInt64(in *int64) *int64 {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}

func cloneFloat64(in *float64) *float64 {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}
