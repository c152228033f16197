package reconciler

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// cycleMetrics records reconciler cycle counts and durations as OpenTelemetry
// instruments, readable via a manual reader rather than an OTLP exporter
// since no collector endpoint is assumed for this service.
type cycleMetrics struct {
	reader           *sdkmetric.ManualReader
	sessionsExpired  metric.Int64Counter
	sessionsIdleTerm metric.Int64Counter
	orphansReleased  metric.Int64Counter
	scalingActions   metric.Int64Counter
	cycleDuration    metric.Float64Histogram
}

func newCycleMetrics() *cycleMetrics {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("deskpool.orchestrator.reconciler")

	m := &cycleMetrics{reader: reader}
	m.sessionsExpired, _ = meter.Int64Counter("reconciler.sessions_expired")
	m.sessionsIdleTerm, _ = meter.Int64Counter("reconciler.sessions_idle_terminated")
	m.orphansReleased, _ = meter.Int64Counter("reconciler.orphans_released")
	m.scalingActions, _ = meter.Int64Counter("reconciler.scaling_actions")
	m.cycleDuration, _ = meter.Float64Histogram("reconciler.cycle_duration_seconds")
	return m
}

func (m *cycleMetrics) record(summary CycleSummary) {
	ctx := context.Background()
	m.sessionsExpired.Add(ctx, int64(summary.SessionsExpired))
	m.sessionsIdleTerm.Add(ctx, int64(summary.IdleTerminated))
	m.orphansReleased.Add(ctx, int64(summary.OrphansReleased))
	m.scalingActions.Add(ctx, int64(len(summary.ScalingActions)))
	m.cycleDuration.Record(ctx, summary.Duration.Seconds())
}
