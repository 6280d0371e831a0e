package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the dispatcher's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	// AttemptsTotal counts attempts by result ("ok" or the failure reason)
	AttemptsTotal *prometheus.CounterVec

	// OutcomesTotal counts terminal job outcomes by kind
	OutcomesTotal *prometheus.CounterVec

	// CallLatency tracks endpoint call plus validation latency
	CallLatency prometheus.Histogram

	// BackoffSeconds tracks the computed wait before each retry
	BackoffSeconds prometheus.Histogram

	// TokensTotal counts tokens reported by the endpoint
	TokensTotal *prometheus.CounterVec

	// InFlight is the number of jobs currently held by workers
	InFlight prometheus.Gauge

	// QueueDepth is the number of jobs not yet taken by a worker
	QueueDepth prometheus.Gauge
}

// NewMetrics registers the collectors on reg. Use prometheus.DefaultRegisterer
// to expose them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchinfer_attempts_total",
				Help: "Total number of inference attempts",
			},
			[]string{"result"},
		),
		OutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchinfer_outcomes_total",
				Help: "Total number of terminal job outcomes",
			},
			[]string{"kind"},
		),
		CallLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "batchinfer_call_latency_seconds",
				Help:    "Inference call latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
			},
		),
		BackoffSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "batchinfer_backoff_seconds",
				Help:    "Backoff wait before a retry in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchinfer_tokens_total",
				Help: "Total number of tokens reported by the endpoint",
			},
			[]string{"type"},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "batchinfer_jobs_in_flight",
				Help: "Jobs currently being processed",
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "batchinfer_queue_depth",
				Help: "Jobs waiting for a worker",
			},
		),
	}
}

func (m *Metrics) attempt(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(result).Inc()
	m.CallLatency.Observe(took.Seconds())
}

func (m *Metrics) backoff(d time.Duration) {
	if m == nil {
		return
	}
	m.BackoffSeconds.Observe(d.Seconds())
}

func (m *Metrics) outcome(kind OutcomeKind, prompt, completion int) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(kind.String()).Inc()
	// Counters panic on negative input; endpoints report usage unchecked.
	if prompt > 0 {
		m.TokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.TokensTotal.WithLabelValues("completion").Add(float64(completion))
	}
}

func (m *Metrics) inFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}

func (m *Metrics) queueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
