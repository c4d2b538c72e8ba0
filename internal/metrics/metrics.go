// Package metrics holds the prometheus collectors. A nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	sessionTransitions *prometheus.CounterVec
	liveSessions       prometheus.Gauge
	jobs               *prometheus.CounterVec
	jobDuration        prometheus.Histogram
	queueRestarts      prometheus.Counter
	restores           *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wamator",
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state.",
		}, []string{"state"}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wamator",
			Name:      "sessions_live",
			Help:      "Sessions currently held in the registry.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wamator",
			Name:      "dispatch_jobs_total",
			Help:      "Dispatched jobs by outcome.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wamator",
			Name:      "dispatch_job_seconds",
			Help:      "Time from delivery to acknowledgement.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wamator",
			Name:      "queue_restarts_total",
			Help:      "Broker connection restarts.",
		}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wamator",
			Name:      "reconcile_restores_total",
			Help:      "Session restore attempts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionTransitions,
		m.liveSessions,
		m.jobs,
		m.jobDuration,
		m.queueRestarts,
		m.restores,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionTransition(state string) {
	if m == nil {
		return
	}
	m.sessionTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.liveSessions.Set(float64(n))
}

func (m *Metrics) JobOutcome(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
	m.jobDuration.Observe(took.Seconds())
}

func (m *Metrics) QueueRestart() {
	if m == nil {
		return
	}
	m.queueRestarts.Inc()
}

func (m *Metrics) Restore(result string) {
	if m == nil {
		return
	}
	m.restores.WithLabelValues(result).Inc()
}
