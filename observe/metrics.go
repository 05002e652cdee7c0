// Package observe records engine metrics with OpenTelemetry.
package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/always-cache/fetchcache"

// Outcomes of a strategy run.
const (
	OutcomeHit      = "hit"
	OutcomeNetwork  = "network"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
	OutcomeBypass   = "bypass"
)

// Metrics holds the engine's counters.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests   metric.Int64Counter
	rejections metric.Int64Counter
	evictions  metric.Int64Counter
	writes     metric.Int64Counter
	precache   metric.Int64Counter
}

// New creates the counters on the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	requests, err := meter.Int64Counter(
		"fetchcache.requests",
		metric.WithDescription("Requests handled by a strategy, by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter(
		"fetchcache.admission.rejections",
		metric.WithDescription("Responses refused by the admission chain"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		return nil, err
	}
	evictions, err := meter.Int64Counter(
		"fetchcache.evictions",
		metric.WithDescription("Entries purged from a partition"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}
	writes, err := meter.Int64Counter(
		"fetchcache.writes",
		metric.WithDescription("Entries written to a partition"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}
	precache, err := meter.Int64Counter(
		"fetchcache.precache",
		metric.WithDescription("Precache manifest entries, by result"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		requests:   requests,
		rejections: rejections,
		evictions:  evictions,
		writes:     writes,
		precache:   precache,
	}, nil
}

// FromProvider creates the counters on a meter of the given provider.
// The global provider is used if mp is nil.
func FromProvider(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	return New(mp.Meter(instrumentationName))
}

// Noop returns metrics that record nothing.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter("noop"))
	return m
}

// Request records one strategy outcome.
func (m *Metrics) Request(ctx context.Context, route, strategy, outcome string) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("strategy", strategy),
		attribute.String("outcome", outcome),
	))
}

// Rejected records a response the admission chain refused.
func (m *Metrics) Rejected(ctx context.Context, partition, reason string) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("partition", partition),
		attribute.String("reason", reason),
	))
}

// Stored records a cache write.
func (m *Metrics) Stored(ctx context.Context, partition string) {
	if m == nil {
		return
	}
	m.writes.Add(ctx, 1, metric.WithAttributes(attribute.String("partition", partition)))
}

// Evicted records purged entries. It has the signature of a store eviction
// observer.
func (m *Metrics) Evicted(ctx context.Context, partition string, count int, reason string) {
	if m == nil || count <= 0 {
		return
	}
	m.evictions.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("partition", partition),
		attribute.String("reason", reason),
	))
}

// Precached records the result of one precache manifest entry
// ("added", "updated", "skipped" or "failed").
func (m *Metrics) Precached(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.precache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
