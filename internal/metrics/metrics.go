// Package metrics exposes Prometheus collectors for engine requests and
// jobs processed by the worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "boxworker"

// Outcomes of engine requests and jobs
const (
	OutcomeOK          = "ok"
	OutcomeNoJob       = "no_job"
	OutcomeError       = "error"
	OutcomeUnreachable = "unreachable"

	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

type Metrics struct {
	registry        *prometheus.Registry
	engineRequests  *prometheus.CounterVec
	engineDuration  *prometheus.HistogramVec
	jobs            *prometheus.CounterVec
	jobDuration     prometheus.Histogram
	jobInFlight     prometheus.Gauge
	lastEngineReply prometheus.Gauge
}

// New registers all collectors in a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		engineRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_requests_total",
			Help:      "Requests sent to the engine by operation and outcome.",
		}, []string{"operation", "outcome"}),
		engineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_request_duration_seconds",
			Help:      "Duration of engine requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs executed by outcome.",
		}, []string{"outcome"}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of job execution.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		jobInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_in_flight",
			Help:      "1 when a job is being executed or reported.",
		}),
		lastEngineReply: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_last_successful_connection_timestamp_seconds",
			Help:      "Unix time of the last response received from the engine.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) EngineRequest(operation, outcome string, d time.Duration) {
	m.engineRequests.WithLabelValues(operation, outcome).Inc()
	m.engineDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) EngineConnected(at time.Time) {
	m.lastEngineReply.Set(float64(at.UnixMilli()) / 1000)
}

func (m *Metrics) JobFinished(outcome string, d time.Duration) {
	m.jobs.WithLabelValues(outcome).Inc()
	m.jobDuration.Observe(d.Seconds())
}

func (m *Metrics) JobInFlight(inFlight bool) {
	if inFlight {
		m.jobInFlight.Set(1)
		return
	}
	m.jobInFlight.Set(0)
}

// EngineRequests returns the counter of a given operation and outcome
func (m *Metrics) EngineRequests(operation, outcome string) prometheus.Counter {
	return m.engineRequests.WithLabelValues(operation, outcome)
}

func (m *Metrics) Jobs(outcome string) prometheus.Counter {
	return m.jobs.WithLabelValues(outcome)
}
