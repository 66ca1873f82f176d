// Package telemetry provides OpenTelemetry instrumentation for the sync engine.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/stacklok/kbsync/sync"

	// RetryMetricsMeterName is the name used for the retry metrics meter
	RetryMetricsMeterName = "github.com/stacklok/kbsync/retry"

	// TargetMetricsMeterName is the name used for the target availability meter
	TargetMetricsMeterName = "github.com/stacklok/kbsync/targets"
)

// SyncMetrics holds the OpenTelemetry instruments for sync runs and document outcomes
type SyncMetrics struct {
	runDuration metric.Float64Histogram
	documents   metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	runDuration, err := meter.Float64Histogram(
		"kbsync_run_duration_seconds",
		metric.WithDescription("Duration of sync runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900),
	)
	if err != nil {
		return nil, err
	}

	documents, err := meter.Int64Counter(
		"kbsync_documents_total",
		metric.WithDescription("Documents processed per target, by outcome"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		runDuration: runDuration,
		documents:   documents,
	}, nil
}

// RecordRunDuration records the duration of a full sync run
func (m *SyncMetrics) RecordRunDuration(ctx context.Context, duration time.Duration, success bool) {
	if m == nil || m.runDuration == nil {
		return
	}

	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.Bool("success", success)))
}

// RecordDocument records one document outcome (created, updated, skipped, failed) for a target
func (m *SyncMetrics) RecordDocument(ctx context.Context, target, outcome string) {
	if m == nil || m.documents == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("target", target),
		attribute.String("outcome", outcome),
	}

	m.documents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RetryMetrics holds the OpenTelemetry instruments for the retry orchestrator
type RetryMetrics struct {
	retries      metric.Int64Counter
	circuitTrips metric.Int64Counter
	rejections   metric.Int64Counter
}

// NewRetryMetrics creates a new RetryMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewRetryMetrics(provider metric.MeterProvider) (*RetryMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(RetryMetricsMeterName)

	retries, err := meter.Int64Counter(
		"kbsync_retries_total",
		metric.WithDescription("Retries performed per endpoint, by failure reason"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	circuitTrips, err := meter.Int64Counter(
		"kbsync_circuit_breaker_trips_total",
		metric.WithDescription("Circuit breaker transitions to open"),
		metric.WithUnit("{trip}"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter(
		"kbsync_circuit_breaker_rejections_total",
		metric.WithDescription("Calls rejected by an open circuit breaker"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	return &RetryMetrics{
		retries:      retries,
		circuitTrips: circuitTrips,
		rejections:   rejections,
	}, nil
}

// RecordRetry records a retry scheduled for an endpoint
func (m *RetryMetrics) RecordRetry(ctx context.Context, endpoint, reason string) {
	if m == nil || m.retries == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	}

	m.retries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCircuitTrip records a breaker opening
func (m *RetryMetrics) RecordCircuitTrip(ctx context.Context, endpoint string) {
	if m == nil || m.circuitTrips == nil {
		return
	}

	m.circuitTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordCircuitRejection records a call rejected without a network attempt
func (m *RetryMetrics) RecordCircuitRejection(ctx context.Context, endpoint string) {
	if m == nil || m.rejections == nil {
		return
	}

	m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// TargetMetrics holds the OpenTelemetry instruments for target availability
type TargetMetrics struct {
	availableTargets metric.Int64Gauge
}

// NewTargetMetrics creates a new TargetMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewTargetMetrics(provider metric.MeterProvider) (*TargetMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(TargetMetricsMeterName)

	availableTargets, err := meter.Int64Gauge(
		"kbsync_targets_available",
		metric.WithDescription("Number of target collections currently available"),
		metric.WithUnit("{target}"),
	)
	if err != nil {
		return nil, err
	}

	return &TargetMetrics{
		availableTargets: availableTargets,
	}, nil
}

// RecordAvailableTargets records the current number of available targets for a strategy
func (m *TargetMetrics) RecordAvailableTargets(ctx context.Context, strategy string, count int64) {
	if m == nil || m.availableTargets == nil {
		return
	}

	m.availableTargets.Record(ctx, count, metric.WithAttributes(attribute.String("strategy", strategy)))
}
