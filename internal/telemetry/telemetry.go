// Package telemetry wires the runtime's OpenTelemetry metrics: TTFA
// histograms, hot-swap and scheduler counters, the arena-size gauge, and
// ingress refusal counters, all exported over Prometheus's /metrics.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for every runtime metric.
const meterName = "github.com/kestrel-tts/runtime"

// latencyBucketsMs are histogram bucket boundaries in milliseconds, chosen
// around spec.md's TTFA targets (10ms accelerator floor, 400ms short-text
// target, 800ms general target, 2000ms critical threshold).
var latencyBucketsMs = []float64{10, 25, 50, 100, 200, 400, 800, 1200, 2000, 5000}

// Metrics holds every OTel instrument the runtime records against. All
// fields are safe for concurrent use; the underlying OTel types handle
// their own synchronization.
type Metrics struct {
	TTFADuration metric.Float64Histogram
	TTFATargetMisses metric.Int64Counter

	ProviderSwaps    metric.Int64Counter
	ProviderSwapFailures metric.Int64Counter

	ArenaSizeMiB metric.Int64ObservableGauge

	SchedulerRoleRequests metric.Int64Counter
	SchedulerRetries      metric.Int64Counter

	IngressRefusals metric.Int64Counter

	StreamingUnderruns metric.Int64Counter
}

// NewMetrics creates every instrument against mp, the way the teacher's
// NewMetrics builds its Glyphoxa instrument set from a MeterProvider.
func NewMetrics(mp metric.MeterProvider, arenaCurrentMiB func() int64) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.TTFADuration, err = m.Float64Histogram("kestrel.ttfa.duration",
		metric.WithDescription("Time-to-first-audio latency per request."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBucketsMs...),
	); err != nil {
		return nil, err
	}

	if met.TTFATargetMisses, err = m.Int64Counter("kestrel.ttfa.target_misses",
		metric.WithDescription("Count of requests that missed their TTFA target."),
	); err != nil {
		return nil, err
	}

	if met.ProviderSwaps, err = m.Int64Counter("kestrel.provider.swaps",
		metric.WithDescription("Count of successful hot-swaps to a new active provider."),
	); err != nil {
		return nil, err
	}

	if met.ProviderSwapFailures, err = m.Int64Counter("kestrel.provider.swap_failures",
		metric.WithDescription("Count of rejected or failed hot-swap attempts."),
	); err != nil {
		return nil, err
	}

	if met.ArenaSizeMiB, err = m.Int64ObservableGauge("kestrel.arena.size_mib",
		metric.WithDescription("Current memory arena size in MiB."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if arenaCurrentMiB != nil {
				o.Observe(arenaCurrentMiB())
			}
			return nil
		}),
	); err != nil {
		return nil, err
	}

	if met.SchedulerRoleRequests, err = m.Int64Counter("kestrel.scheduler.role_requests",
		metric.WithDescription("Requests routed per scheduler role."),
	); err != nil {
		return nil, err
	}

	if met.SchedulerRetries, err = m.Int64Counter("kestrel.scheduler.retries",
		metric.WithDescription("Requests retried on a lower scheduler role after a transient failure."),
	); err != nil {
		return nil, err
	}

	if met.IngressRefusals, err = m.Int64Counter("kestrel.ingress.refusals",
		metric.WithDescription("Requests refused by the ingress gate, by reason."),
	); err != nil {
		return nil, err
	}

	if met.StreamingUnderruns, err = m.Int64Counter("kestrel.streaming.underruns",
		metric.WithDescription("Inter-chunk gaps flagged as underruns during streaming emission."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordTTFA records one request's observed TTFA and whether it hit target.
// A nil receiver is a no-op, so callers may wire an optional Metrics
// instance without a nil check at every call site.
func (m *Metrics) RecordTTFA(ctx context.Context, providerID string, totalMs float64, achievedTarget bool) {
	if m == nil {
		return
	}
	m.TTFADuration.Record(ctx, totalMs, metric.WithAttributes(attribute.String("provider", providerID)))
	if !achievedTarget {
		m.TTFATargetMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", providerID)))
	}
}

// RecordSwap records a hot-swap outcome.
func (m *Metrics) RecordSwap(ctx context.Context, fromID, toID string, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.ProviderSwaps.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", fromID), attribute.String("to", toID)))
		return
	}
	m.ProviderSwapFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", fromID), attribute.String("candidate", toID)))
}

// RecordRoleRequest records one request routed to role, and whether it was
// a retry onto a lower role.
func (m *Metrics) RecordRoleRequest(ctx context.Context, role string, retried bool) {
	if m == nil {
		return
	}
	m.SchedulerRoleRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
	if retried {
		m.SchedulerRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
	}
}

// RecordIngressRefusal records one ingress-gate refusal by reason.
func (m *Metrics) RecordIngressRefusal(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.IngressRefusals.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordUnderrun records one flagged streaming underrun.
func (m *Metrics) RecordUnderrun(ctx context.Context) {
	if m == nil {
		return
	}
	m.StreamingUnderruns.Add(ctx, 1)
}
