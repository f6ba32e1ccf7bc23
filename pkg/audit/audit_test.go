package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func fixedNow() time.Time {
	return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
}

// logUnderTest lets retention and volume semantics be verified against
// both sink implementations.
func logsUnderTest(t *testing.T) map[string]Log {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sqliteLog, err := NewSQLiteLog(db, WithSQLiteClock(fixedNow))
	if err != nil {
		t.Fatalf("sqlite log: %v", err)
	}
	return map[string]Log{
		"memory": NewInMemoryLog(WithClock(fixedNow)),
		"sqlite": sqliteLog,
	}
}

func TestRetentionBoundary(t *testing.T) {
	for name, log := range logsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			retention := 90

			atBoundary := Entry{TenantID: "t1", Direction: DirectionOutbound, AgentID: "a1", Status: "completed",
				CreatedAt: fixedNow().AddDate(0, 0, -retention)}
			pastBoundary := Entry{TenantID: "t1", Direction: DirectionOutbound, AgentID: "a1", Status: "completed",
				CreatedAt: fixedNow().AddDate(0, 0, -(retention + 1))}
			otherTenant := Entry{TenantID: "t2", Direction: DirectionOutbound, AgentID: "b1", Status: "completed",
				CreatedAt: fixedNow().AddDate(0, 0, -(retention + 1))}
			for _, entry := range []Entry{atBoundary, pastBoundary, otherTenant} {
				if err := log.Append(ctx, entry); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			removed, err := log.CleanupOlderThan(ctx, "t1", retention)
			if err != nil {
				t.Fatalf("cleanup: %v", err)
			}
			if removed != 1 {
				t.Fatalf("expected exactly 1 removed (strict < at boundary), got %d", removed)
			}

			left, err := log.Query(ctx, "t1", QueryFilter{})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(left) != 1 {
				t.Fatalf("expected boundary entry to survive, got %d entries", len(left))
			}

			// Cleanup is tenant-scoped: t2's old entry is untouched.
			other, err := log.Query(ctx, "t2", QueryFilter{})
			if err != nil {
				t.Fatalf("query t2: %v", err)
			}
			if len(other) != 1 {
				t.Fatalf("cleanup must not cross tenants, got %d entries", len(other))
			}
		})
	}
}

func TestQueryFilters(t *testing.T) {
	for name, log := range logsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := fixedNow().Add(-30 * time.Minute)
			entries := []Entry{
				{TenantID: "t1", Direction: DirectionOutbound, AgentID: "a1", Status: "completed", TaskType: "translation", CreatedAt: base},
				{TenantID: "t1", Direction: DirectionOutbound, AgentID: "a1", Status: "rejected", TaskType: "translation", CreatedAt: base.Add(time.Minute)},
				{TenantID: "t1", Direction: DirectionInbound, AgentID: "a2", Status: "accepted", TaskType: "translation", CreatedAt: base.Add(2 * time.Minute)},
			}
			for _, entry := range entries {
				if err := log.Append(ctx, entry); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			outbound, err := log.Query(ctx, "t1", QueryFilter{Direction: DirectionOutbound})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(outbound) != 2 {
				t.Fatalf("expected 2 outbound entries, got %d", len(outbound))
			}
			// Newest first.
			if outbound[0].Status != "rejected" {
				t.Fatalf("expected newest first, got %+v", outbound[0])
			}

			completed, err := log.Query(ctx, "t1", QueryFilter{Status: "completed", AgentID: "a1"})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(completed) != 1 {
				t.Fatalf("expected 1 completed entry, got %d", len(completed))
			}

			windowed, err := log.Query(ctx, "t1", QueryFilter{DateFrom: base.Add(30 * time.Second), DateTo: base.Add(90 * time.Second)})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(windowed) != 1 || windowed[0].Status != "rejected" {
				t.Fatalf("unexpected date window result: %+v", windowed)
			}
		})
	}
}

func TestCheckVolumeAlert(t *testing.T) {
	for name, log := range logsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			// 3 entries in the trailing hour, 1 outside it.
			for i := 0; i < 3; i++ {
				if err := log.Append(ctx, Entry{TenantID: "t1", Direction: DirectionOutbound, AgentID: "a1",
					Status: "completed", CreatedAt: fixedNow().Add(-time.Duration(i+1) * time.Minute)}); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			if err := log.Append(ctx, Entry{TenantID: "t1", Direction: DirectionOutbound, AgentID: "a1",
				Status: "completed", CreatedAt: fixedNow().Add(-2 * time.Hour)}); err != nil {
				t.Fatalf("append: %v", err)
			}

			alert, err := log.CheckVolumeAlert(ctx, "t1", 2)
			if err != nil {
				t.Fatalf("volume alert: %v", err)
			}
			if !alert.Alert || alert.Count != 3 {
				t.Fatalf("expected alert with count 3, got %+v", alert)
			}

			quiet, err := log.CheckVolumeAlert(ctx, "t1", 100)
			if err != nil {
				t.Fatalf("volume alert: %v", err)
			}
			if quiet.Alert {
				t.Fatalf("expected no alert under default-style threshold, got %+v", quiet)
			}
		})
	}
}

func TestExportJSON(t *testing.T) {
	for name, log := range logsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := log.Append(ctx, Entry{TenantID: "t1", Direction: DirectionOutbound, AgentID: "a1",
				Status: "completed", TaskType: "translation", CreatedAt: fixedNow()}); err != nil {
				t.Fatalf("append: %v", err)
			}
			payload, err := log.ExportJSON(ctx, "t1")
			if err != nil {
				t.Fatalf("export: %v", err)
			}
			var decoded []Entry
			if err := json.Unmarshal(payload, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(decoded) != 1 || decoded[0].TaskType != "translation" {
				t.Fatalf("unexpected export: %s", payload)
			}

			empty, err := log.ExportJSON(ctx, "t-empty")
			if err != nil {
				t.Fatalf("export empty: %v", err)
			}
			if string(empty) != "[]" {
				t.Fatalf("expected empty array, got %s", empty)
			}
		})
	}
}
