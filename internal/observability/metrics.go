package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
//
// Memory subsystem faults are recovered internally; these counters are
// how operators see the degradation the pipeline absorbs.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	Classifications   *prometheus.CounterVec
	ClassifierFallbks prometheus.Counter
	TurnsPersisted    prometheus.Counter
	FactsPersisted    prometheus.Counter
	DuplicateFacts    prometheus.Counter
	DegradedFacts     prometheus.Counter
	BackfilledFacts   prometheus.Counter
	StoreFailures     *prometheus.CounterVec
	RetrievalFailures *prometheus.CounterVec
	EmptyRetrievals   prometheus.Counter
	RetrievalLatency  prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		stages: newStageWindow(256),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active conversation sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		Classifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Turn classifications by tier.",
		}, []string{"tier"}),
		ClassifierFallbks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_fallbacks_total",
			Help:      "Scorer failures recovered with the conversational fallback.",
		}),
		TurnsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_persisted_total",
			Help:      "Conversation turns written to the structured store.",
		}),
		FactsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_persisted_total",
			Help:      "New facts written to the structured store.",
		}),
		DuplicateFacts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_facts_total",
			Help:      "Fact writes skipped because the content was already known.",
		}),
		DegradedFacts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_facts_total",
			Help:      "Facts persisted without an embedding (keyword-searchable only).",
		}),
		BackfilledFacts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfilled_facts_total",
			Help:      "Degraded facts repaired by the embedding backfill sweep.",
		}),
		StoreFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Store write failures by store and operation.",
		}, []string{"store", "op"}),
		RetrievalFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_source_failures_total",
			Help:      "Retrieval sub-query failures by source.",
		}, []string{"source"}),
		EmptyRetrievals: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_retrievals_total",
			Help:      "Retrievals that returned no results (including total failure).",
		}),
		RetrievalLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_latency_ms",
			Help:      "End-to-end retrieval latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000},
		}),
	}
}

func (m *Metrics) ObserveRetrievalLatency(d time.Duration) {
	m.RetrievalLatency.Observe(float64(d.Milliseconds()))
}

// ObserveStage records a pipeline stage latency in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stages.Observe(stage, float64(d.Nanoseconds())/1e6)
}

// ObserveIndicator counts a named degradation event in the rolling window.
func (m *Metrics) ObserveIndicator(name string) {
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) StageSnapshot() StageSnapshot {
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
