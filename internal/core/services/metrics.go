package services

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// counter keeps a local total for Stats and mirrors every increment to an
// OpenTelemetry instrument.
type counter struct {
	n    atomic.Int64
	inst metric.Int64Counter
}

func (c *counter) add(ctx context.Context, delta int64, attrs ...attribute.KeyValue) {
	c.n.Add(delta)
	c.inst.Add(ctx, delta, metric.WithAttributes(attrs...))
}

// MetricsCollector is built once in main and passed to every component.
type MetricsCollector struct {
	JobsSubmitted      counter
	JobsCompleted      counter
	JobsFailed         counter
	JobsCancelled      counter
	JobsRecovered      counter
	ToolCalls          counter
	ToolFailures       counter
	ToolCacheHits      counter
	ToolRetries        counter
	BreakerRejections  counter
	CheckpointsWritten counter
	CheckpointFailures counter
	ArtifactsStored    counter
	ArtifactsDeleted   counter
}

// NewMetricsCollector registers the instruments on meter. A nil meter uses a no-op provider.
func NewMetricsCollector(meter metric.Meter) (*MetricsCollector, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("prospector")
	}
	m := &MetricsCollector{}
	for name, c := range m.counters() {
		inst, err := meter.Int64Counter("prospector."+name)
		if err != nil {
			return nil, fmt.Errorf("register metric %s: %w", name, err)
		}
		c.inst = inst
	}
	return m, nil
}

func (m *MetricsCollector) counters() map[string]*counter {
	return map[string]*counter{
		"jobs_submitted":      &m.JobsSubmitted,
		"jobs_completed":      &m.JobsCompleted,
		"jobs_failed":         &m.JobsFailed,
		"jobs_cancelled":      &m.JobsCancelled,
		"jobs_recovered":      &m.JobsRecovered,
		"tool_calls":          &m.ToolCalls,
		"tool_failures":       &m.ToolFailures,
		"tool_cache_hits":     &m.ToolCacheHits,
		"tool_retries":        &m.ToolRetries,
		"breaker_rejections":  &m.BreakerRejections,
		"checkpoints_written": &m.CheckpointsWritten,
		"checkpoint_failures": &m.CheckpointFailures,
		"artifacts_stored":    &m.ArtifactsStored,
		"artifacts_deleted":   &m.ArtifactsDeleted,
	}
}

// Snapshot returns the current totals keyed by metric name.
func (m *MetricsCollector) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	for name, c := range m.counters() {
		out[name] = c.n.Load()
	}
	return out
}
