package capability

import (
	"context"
	"testing"
	"time"

	"github.com/agentlens/mesh/pkg/errors"
)

func testCapability(tenant, agent string, task TaskType) *Capability {
	return &Capability{
		TenantID:          tenant,
		AgentID:           agent,
		TaskType:          task,
		InputSchema:       map[string]any{"type": "object", "properties": map[string]any{"text": map[string]any{"type": "string"}}},
		Scope:             ScopePublic,
		Enabled:           true,
		AcceptDelegations: true,
	}
}

func TestRegistryCreateAssignsDefaults(t *testing.T) {
	reg := NewRegistry(NewInMemoryStore())
	created, err := reg.Create(context.Background(), testCapability("t1", "a1", TaskTranslation))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}
	if created.InboundRateLimit != DefaultInboundRateLimit {
		t.Errorf("expected default inbound limit %d, got %d", DefaultInboundRateLimit, created.InboundRateLimit)
	}
	if created.OutboundRateLimit != DefaultOutboundRateLimit {
		t.Errorf("expected default outbound limit %d, got %d", DefaultOutboundRateLimit, created.OutboundRateLimit)
	}
}

func TestRegistryCreateValidation(t *testing.T) {
	reg := NewRegistry(NewInMemoryStore())
	cases := []struct {
		name   string
		mutate func(*Capability)
	}{
		{"unknown task type", func(c *Capability) { c.TaskType = "teleportation" }},
		{"custom without custom type", func(c *Capability) { c.TaskType = TaskCustom; c.CustomType = "" }},
		{"custom type bad format", func(c *Capability) { c.TaskType = TaskCustom; c.CustomType = "has spaces!" }},
		{"custom type too long", func(c *Capability) {
			c.TaskType = TaskCustom
			long := make([]byte, 65)
			for i := range long {
				long[i] = 'a'
			}
			c.CustomType = string(long)
		}},
		{"custom type on known task", func(c *Capability) { c.CustomType = "extra" }},
		{"bad scope", func(c *Capability) { c.Scope = "global" }},
		{"schema without markers", func(c *Capability) { c.InputSchema = map[string]any{"foo": "bar"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testCapability("t1", "a1", TaskTranslation)
			tc.mutate(c)
			if _, err := reg.Create(context.Background(), c); err == nil {
				t.Fatalf("expected validation error")
			} else if errors.CodeOf(err) != errors.CodeValidation {
				t.Fatalf("expected validation code, got %v", errors.CodeOf(err))
			}
		})
	}
}

func TestRegistryCrossTenantIsNotFound(t *testing.T) {
	reg := NewRegistry(NewInMemoryStore())
	created, err := reg.Create(context.Background(), testCapability("t1", "a1", TaskTranslation))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = reg.Get(context.Background(), "t2", created.ID)
	if errors.CodeOf(err) != errors.CodeNotFound {
		t.Fatalf("expected not found for cross-tenant read, got %v", err)
	}
	if err := reg.Delete(context.Background(), "t2", created.ID); errors.CodeOf(err) != errors.CodeNotFound {
		t.Fatalf("expected not found for cross-tenant delete, got %v", err)
	}
	// The row itself must be untouched.
	if _, err := reg.Get(context.Background(), "t1", created.ID); err != nil {
		t.Fatalf("row should still exist: %v", err)
	}
}

func TestRegistryUpdateRevalidatesMergedRecord(t *testing.T) {
	reg := NewRegistry(NewInMemoryStore())
	created, err := reg.Create(context.Background(), testCapability("t1", "a1", TaskTranslation))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	custom := TaskCustom
	if _, err := reg.Update(context.Background(), "t1", created.ID, Patch{TaskType: &custom}); err == nil {
		t.Fatalf("expected validation error for custom without custom type")
	}

	name := "ocr-v2"
	updated, err := reg.Update(context.Background(), "t1", created.ID, Patch{TaskType: &custom, CustomType: &name})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.TaskType != TaskCustom || updated.CustomType != "ocr-v2" {
		t.Fatalf("unexpected merged record: %+v", updated)
	}

	disabled := false
	updated, err = reg.Update(context.Background(), "t1", created.ID, Patch{Enabled: &disabled})
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if updated.Enabled {
		t.Fatalf("expected capability disabled")
	}
	if updated.CustomType != "ocr-v2" {
		t.Fatalf("partial update must not clear unrelated fields")
	}
}

func TestRegistryDeleteByAgentCascades(t *testing.T) {
	reg := NewRegistry(NewInMemoryStore())
	for _, task := range []TaskType{TaskTranslation, TaskSummarization} {
		if _, err := reg.Create(context.Background(), testCapability("t1", "a1", task)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := reg.Create(context.Background(), testCapability("t1", "a2", TaskTranslation)); err != nil {
		t.Fatalf("create: %v", err)
	}

	removed, err := reg.DeleteByAgent(context.Background(), "t1", "a1")
	if err != nil {
		t.Fatalf("delete by agent: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 rows removed, got %d", removed)
	}
	rest, err := reg.ListByTenant(context.Background(), "t1", Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rest) != 1 || rest[0].AgentID != "a2" {
		t.Fatalf("unexpected survivors: %+v", rest)
	}
}

func TestRegistryUpdateQualityMetrics(t *testing.T) {
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(NewInMemoryStore(), WithClock(func() time.Time { return clock }))
	for _, task := range []TaskType{TaskTranslation, TaskReview} {
		if _, err := reg.Create(context.Background(), testCapability("t1", "a1", task)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	pct := 87.5
	raw := 82.0
	if err := reg.UpdateQualityMetrics(context.Background(), "t1", "a1", QualityMetrics{
		TrustScorePercentile: &pct,
		TrustRawScore:        &raw,
		Provisional:          false,
		CompletedTasks:       12,
	}); err != nil {
		t.Fatalf("update metrics: %v", err)
	}

	rows, err := reg.ListByAgent(context.Background(), "t1", "a1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.QualityMetrics.TrustScorePercentile == nil || *row.QualityMetrics.TrustScorePercentile != 87.5 {
			t.Fatalf("metrics not written to row %s: %+v", row.ID, row.QualityMetrics)
		}
		if row.QualityMetrics.CompletedTasks != 12 {
			t.Fatalf("completed tasks not written: %+v", row.QualityMetrics)
		}
	}
}

func TestMatches(t *testing.T) {
	c := &Capability{TaskType: TaskCustom, CustomType: "ocr"}
	if !c.Matches(TaskCustom, "ocr") {
		t.Errorf("expected match on custom type")
	}
	if c.Matches(TaskCustom, "asr") {
		t.Errorf("expected mismatch on different custom type")
	}
	if !c.Matches(TaskCustom, "") {
		t.Errorf("empty custom type query matches any custom capability")
	}
	if c.Matches(TaskTranslation, "") {
		t.Errorf("expected mismatch on task type")
	}
}
