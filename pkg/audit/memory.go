package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryLog is a mutex-guarded audit sink for single-process
// deployments and tests.
type InMemoryLog struct {
	mu      sync.RWMutex
	now     func() time.Time
	entries map[string][]Entry // keyed by tenant id
}

// InMemoryOption configures an InMemoryLog.
type InMemoryOption func(*InMemoryLog)

// WithClock overrides the log clock for retention and volume checks.
func WithClock(now func() time.Time) InMemoryOption {
	return func(l *InMemoryLog) {
		if now != nil {
			l.now = now
		}
	}
}

// NewInMemoryLog creates an empty in-memory audit log.
func NewInMemoryLog(opts ...InMemoryOption) *InMemoryLog {
	l := &InMemoryLog{
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string][]Entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Append writes one entry, assigning an id and creation time when unset.
func (l *InMemoryLog) Append(_ context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}
	l.entries[entry.TenantID] = append(l.entries[entry.TenantID], entry)
	return nil
}

// Query returns tenant entries matching the filter, newest first.
func (l *InMemoryLog) Query(_ context.Context, tenantID string, filter QueryFilter) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0)
	for _, entry := range l.entries[tenantID] {
		if matches(entry, filter) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ExportJSON returns all tenant entries as a JSON array.
func (l *InMemoryLog) ExportJSON(ctx context.Context, tenantID string) ([]byte, error) {
	entries, err := l.Query(ctx, tenantID, QueryFilter{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(entries)
}

// CleanupOlderThan deletes tenant entries strictly older than the
// retention boundary.
func (l *InMemoryLog) CleanupOlderThan(_ context.Context, tenantID string, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().AddDate(0, 0, -retentionDays)
	kept := make([]Entry, 0, len(l.entries[tenantID]))
	removed := 0
	for _, entry := range l.entries[tenantID] {
		// Strict < at the boundary: an entry created exactly at the
		// cutoff survives.
		if entry.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	l.entries[tenantID] = kept
	return removed, nil
}

// CheckVolumeAlert counts entries created within the trailing hour.
func (l *InMemoryLog) CheckVolumeAlert(_ context.Context, tenantID string, thresholdPerHour int) (VolumeAlert, error) {
	if thresholdPerHour <= 0 {
		thresholdPerHour = DefaultVolumeThresholdPerHour
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	since := l.now().Add(-time.Hour)
	count := 0
	for _, entry := range l.entries[tenantID] {
		if !entry.CreatedAt.Before(since) {
			count++
		}
	}
	return VolumeAlert{Alert: count > thresholdPerHour, Count: count}, nil
}

var _ Log = (*InMemoryLog)(nil)
