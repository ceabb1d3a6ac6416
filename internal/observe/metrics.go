// Package observe provides application-wide observability primitives for
// Reverie: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Reverie metrics.
const meterName = "github.com/reverie-ai/reverie"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RetrievalDuration tracks end-to-end context-retrieval latency. Use
	// with attribute: attribute.Bool("degraded", ...)
	RetrievalDuration metric.Float64Histogram

	// SubQueryDuration tracks per-source retrieval latency. Use with
	// attributes:
	//   attribute.String("source", ...), attribute.String("status", ...)
	SubQueryDuration metric.Float64Histogram

	// --- Counters ---

	// TurnsProcessed counts conversation turns handled by the extraction
	// workers.
	TurnsProcessed metric.Int64Counter

	// FactsStored counts facts stored by the extraction pipeline.
	FactsStored metric.Int64Counter

	// --- Error counters ---

	// ExtractionFailures counts failed LLM extraction calls.
	ExtractionFailures metric.Int64Counter

	// RetrievalsDegraded counts retrievals served from a single surviving
	// source.
	RetrievalsDegraded metric.Int64Counter

	// DeadLetters counts turns moved to the dead-letter stream. Use with
	// attribute: attribute.String("reason", ...)
	DeadLetters metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// meter is retained so observable instruments can be registered after
	// construction, once their sample sources exist.
	meter metric.Meter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for retrieval latencies on the chat hot path.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.RetrievalDuration, err = m.Float64Histogram("reverie.retrieval.duration",
		metric.WithDescription("End-to-end context-retrieval latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SubQueryDuration, err = m.Float64Histogram("reverie.retrieval.subquery.duration",
		metric.WithDescription("Per-source retrieval latency by source and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TurnsProcessed, err = m.Int64Counter("reverie.turns.processed",
		metric.WithDescription("Total conversation turns handled by extraction workers."),
	); err != nil {
		return nil, err
	}
	if met.FactsStored, err = m.Int64Counter("reverie.facts.extracted",
		metric.WithDescription("Total facts stored by the extraction pipeline."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ExtractionFailures, err = m.Int64Counter("reverie.extraction.failures",
		metric.WithDescription("Total failed LLM extraction calls."),
	); err != nil {
		return nil, err
	}
	if met.RetrievalsDegraded, err = m.Int64Counter("reverie.retrieval.degraded",
		metric.WithDescription("Total retrievals served from a single surviving source."),
	); err != nil {
		return nil, err
	}
	if met.DeadLetters, err = m.Int64Counter("reverie.bus.dead_letters",
		metric.WithDescription("Total turns moved to the dead-letter stream, by reason."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("reverie.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RegisterBusLag registers an observable gauge sampling the number of
// unacknowledged turns on the conversation bus. The sample function is called
// on every metrics collection; a sampling error skips the observation for
// that cycle.
func (m *Metrics) RegisterBusLag(sample func(ctx context.Context) (int64, error)) error {
	_, err := m.meter.Int64ObservableGauge("reverie.bus.pending_turns",
		metric.WithDescription("Conversation turns awaiting acknowledgement."),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := sample(ctx)
			if err != nil {
				return nil
			}
			o.Observe(n)
			return nil
		}),
	)
	return err
}

// RecordDeadLetter records a dead-lettered turn. Suitable for wiring as the
// bus dead-letter hook, which carries no context.
func (m *Metrics) RecordDeadLetter(reason string) {
	m.DeadLetters.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// --- worker.Metrics implementation ---

// TurnProcessed records one handled conversation turn.
func (m *Metrics) TurnProcessed(ctx context.Context) {
	m.TurnsProcessed.Add(ctx, 1)
}

// FactsExtracted records n stored facts for a turn.
func (m *Metrics) FactsExtracted(ctx context.Context, n int) {
	m.FactsStored.Add(ctx, int64(n))
}

// ExtractionFailed records a failed LLM extraction call.
func (m *Metrics) ExtractionFailed(ctx context.Context) {
	m.ExtractionFailures.Add(ctx, 1)
}

// --- retrieval.Metrics implementation ---

// RetrievalCompleted records one finished retrieval with its latency.
func (m *Metrics) RetrievalCompleted(ctx context.Context, d time.Duration, degraded bool) {
	m.RetrievalDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.Bool("degraded", degraded)),
	)
	if degraded {
		m.RetrievalsDegraded.Add(ctx, 1)
	}
}

// SubQueryCompleted records one finished retrieval sub-query.
func (m *Metrics) SubQueryCompleted(ctx context.Context, source string, d time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	m.SubQueryDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("status", status),
		),
	)
}
