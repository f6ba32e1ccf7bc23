// SPDX-License-Identifier: Apache-2.0
// Package telemetry provides observability for the Mesh delegation core.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeshMetrics tracks delegation outcomes, rate limiting and discovery
// query volume for production monitoring. A nil *MeshMetrics is a no-op,
// so services can run uninstrumented in tests.
type MeshMetrics struct {
	// delegationsSent counts outbound delegation requests by task type.
	delegationsSent metric.Int64Counter

	// delegationOutcomes counts terminal delegation outcomes by status.
	delegationOutcomes metric.Int64Counter

	// rateLimitRejections counts bucket-exhausted rejections by direction.
	rateLimitRejections metric.Int64Counter

	// discoveryQueries counts discovery queries by task type.
	discoveryQueries metric.Int64Counter

	// delegationDuration records end-to-end delegation time in ms.
	delegationDuration metric.Float64Histogram
}

// NewMeshMetrics creates a metrics tracker with OTEL meters.
func NewMeshMetrics() (*MeshMetrics, error) {
	meter := otel.Meter("mesh/delegation")

	delegationsSent, err := meter.Int64Counter(
		"mesh.delegations.sent",
		metric.WithDescription("Outbound delegation requests by task type"),
	)
	if err != nil {
		return nil, err
	}

	delegationOutcomes, err := meter.Int64Counter(
		"mesh.delegations.outcomes",
		metric.WithDescription("Terminal delegation outcomes by status"),
	)
	if err != nil {
		return nil, err
	}

	rateLimitRejections, err := meter.Int64Counter(
		"mesh.ratelimit.rejections",
		metric.WithDescription("Rate-limited delegation attempts by direction"),
	)
	if err != nil {
		return nil, err
	}

	discoveryQueries, err := meter.Int64Counter(
		"mesh.discovery.queries",
		metric.WithDescription("Discovery queries by task type"),
	)
	if err != nil {
		return nil, err
	}

	delegationDuration, err := meter.Float64Histogram(
		"mesh.delegations.duration",
		metric.WithDescription("End-to-end delegation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &MeshMetrics{
		delegationsSent:     delegationsSent,
		delegationOutcomes:  delegationOutcomes,
		rateLimitRejections: rateLimitRejections,
		discoveryQueries:    discoveryQueries,
		delegationDuration:  delegationDuration,
	}, nil
}

// RecordDelegationSent increments the sent counter.
func (m *MeshMetrics) RecordDelegationSent(ctx context.Context, taskType string) {
	if m == nil {
		return
	}
	m.delegationsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("task.type", taskType)))
}

// RecordDelegationOutcome increments the outcome counter and records the
// end-to-end duration.
func (m *MeshMetrics) RecordDelegationOutcome(ctx context.Context, taskType, status string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("task.type", taskType),
		attribute.String("status", status),
	)
	m.delegationOutcomes.Add(ctx, 1, attrs)
	m.delegationDuration.Record(ctx, durationMs, attrs)
}

// RecordRateLimitRejection increments the rate-limit rejection counter.
func (m *MeshMetrics) RecordRateLimitRejection(ctx context.Context, direction string) {
	if m == nil {
		return
	}
	m.rateLimitRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordDiscoveryQuery increments the discovery query counter.
func (m *MeshMetrics) RecordDiscoveryQuery(ctx context.Context, taskType string, results int) {
	if m == nil {
		return
	}
	m.discoveryQueries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task.type", taskType),
		attribute.Int("results", results),
	))
}
