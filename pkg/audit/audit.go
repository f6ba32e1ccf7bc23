// Package audit provides the append-only delegation log: one record per
// delegation attempt per direction, immutable once written except for
// retention deletion. The log feeds audit export, volume alerting and
// the trust service's success/failure input.
package audit

import (
	"context"
	"time"
)

// Direction of a delegation log entry relative to the logged agent.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Defaults for retention and volume alerting.
const (
	DefaultRetentionDays          = 90
	DefaultVolumeThresholdPerHour = 100
)

// Entry is one delegation log row. Agent ids on the far side of the
// exchange are always anonymous.
type Entry struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenantId"`
	Direction         Direction `json:"direction"`
	AgentID           string    `json:"agentId"`
	AnonymousTargetID string    `json:"anonymousTargetId,omitempty"`
	AnonymousSourceID string    `json:"anonymousSourceId,omitempty"`
	TaskType          string    `json:"taskType"`
	Status            string    `json:"status"`
	RequestSizeBytes  int64     `json:"requestSizeBytes"`
	ResponseSizeBytes int64     `json:"responseSizeBytes"`
	ExecutionTimeMs   int64     `json:"executionTimeMs"`
	CostUsd           float64   `json:"costUsd"`
	CreatedAt         time.Time `json:"createdAt"`
	CompletedAt       time.Time `json:"completedAt,omitempty"`
}

// QueryFilter narrows Query results. Zero values mean "no filter".
type QueryFilter struct {
	Direction Direction
	Status    string
	AgentID   string
	DateFrom  time.Time
	DateTo    time.Time
}

// VolumeAlert is the result of a trailing-hour volume check.
type VolumeAlert struct {
	Alert bool `json:"alert"`
	Count int  `json:"count"`
}

// Log is the append-only audit sink collaborator.
type Log interface {
	// Append writes one entry. Entries are never updated afterwards.
	Append(ctx context.Context, entry Entry) error

	// Query returns tenant entries matching the filter, newest first.
	Query(ctx context.Context, tenantID string, filter QueryFilter) ([]Entry, error)

	// ExportJSON returns all tenant entries as a JSON document.
	ExportJSON(ctx context.Context, tenantID string) ([]byte, error)

	// CleanupOlderThan deletes tenant entries strictly older than the
	// retention boundary: an entry created exactly retentionDays ago is
	// kept. Returns the number of deleted rows.
	CleanupOlderThan(ctx context.Context, tenantID string, retentionDays int) (int, error)

	// CheckVolumeAlert counts tenant entries created within the trailing
	// 60 minutes and flags when the count exceeds thresholdPerHour.
	CheckVolumeAlert(ctx context.Context, tenantID string, thresholdPerHour int) (VolumeAlert, error)
}

func matches(entry Entry, filter QueryFilter) bool {
	if filter.Direction != "" && entry.Direction != filter.Direction {
		return false
	}
	if filter.Status != "" && entry.Status != filter.Status {
		return false
	}
	if filter.AgentID != "" && entry.AgentID != filter.AgentID {
		return false
	}
	if !filter.DateFrom.IsZero() && entry.CreatedAt.Before(filter.DateFrom) {
		return false
	}
	if !filter.DateTo.IsZero() && entry.CreatedAt.After(filter.DateTo) {
		return false
	}
	return true
}
