// Package metrics provides Prometheus metrics for the authorization services.
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	Decisions           *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	RunDuration         prometheus.Histogram
	StageRetries        *prometheus.CounterVec
	NarrativeAttempts   prometheus.Histogram
	ProviderErrors      *prometheus.CounterVec
	ActiveRuns          prometheus.Gauge
	KafkaMessages       *prometheus.CounterVec
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
	EmbeddingCache      *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// New creates metrics registered with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics registered with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pa_decisions_total",
			Help: "Authorization runs by outcome state",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pa_stage_duration_seconds",
			Help:    "Duration of one stage execution",
			Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pa_run_duration_seconds",
			Help:    "End to end duration of an authorization run",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		StageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pa_stage_retries_total",
			Help: "Retried model calls by stage",
		}, []string{"stage"}),
		NarrativeAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pa_narrative_attempts",
			Help:    "Narrative generations per run",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pa_provider_errors_total",
			Help: "Model provider failures by classification",
		}, []string{"kind"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pa_runs_active",
			Help: "Authorization runs in progress",
		}),
		KafkaMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pa_kafka_messages_total",
			Help: "Kafka messages by topic and direction",
		}, []string{"topic", "direction"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pa_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pa_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		EmbeddingCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pa_embedding_cache_total",
			Help: "Query embedding cache lookups by result",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pa_http_requests_total",
			Help: "API requests by route and status code",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pa_http_request_duration_seconds",
			Help:    "API request latency by route",
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 30, 120},
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.Decisions,
		m.StageDuration,
		m.RunDuration,
		m.StageRetries,
		m.NarrativeAttempts,
		m.ProviderErrors,
		m.ActiveRuns,
		m.KafkaMessages,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.EmbeddingCache,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunFinished records the outcome and duration of a run.
func (m *Metrics) RunFinished(outcome string, d time.Duration, narrativeAttempts int) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.Decisions.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(d.Seconds())
	if narrativeAttempts > 0 {
		m.NarrativeAttempts.Observe(float64(narrativeAttempts))
	}
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// StageRetried counts a retried call.
func (m *Metrics) StageRetried(stage string) {
	if m == nil {
		return
	}
	m.StageRetries.WithLabelValues(stage).Inc()
}

// ProviderError counts a classified provider failure.
func (m *Metrics) ProviderError(kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(kind).Inc()
}

// SetCircuitState records a breaker transition. state is closed, open or half-open.
func (m *Metrics) SetCircuitState(name, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// CacheLookup counts an embedding cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.EmbeddingCache.WithLabelValues("hit").Inc()
		return
	}
	m.EmbeddingCache.WithLabelValues("miss").Inc()
}

// MessageConsumed counts a consumed record.
func (m *Metrics) MessageConsumed(topic string) {
	if m == nil {
		return
	}
	m.KafkaMessages.WithLabelValues(topic, "in").Inc()
}

// MessageProduced counts a produced record.
func (m *Metrics) MessageProduced(topic string) {
	if m == nil {
		return
	}
	m.KafkaMessages.WithLabelValues(topic, "out").Inc()
}

// SetOutboxPending records the relay backlog.
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// ObserveHTTP records one API request. route is the matched pattern, never
// the raw path.
func (m *Metrics) ObserveHTTP(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
