// Package jobmetrics instruments background job runs. A nil *Metrics records
// nothing, so handlers can run without a registry.
package jobmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// Metrics holds the job collectors.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	deleted     *prometheus.CounterVec
	inFlight    *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
}

// NewMetrics registers the job collectors on registerer. A nil registerer
// returns nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		return nil
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permd_jobs_total",
			Help: "Job executions by task type and status.",
		}, []string{"task", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permd_jobs_failures_total",
			Help: "Failed job executions.",
		}, []string{"task"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "permd_job_duration_seconds",
			Help:    "Duration of job executions.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"task"}),
		deleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permd_jobs_rows_deleted_total",
			Help: "Rows removed by maintenance jobs.",
		}, []string{"task"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "permd_jobs_in_flight",
			Help: "Job executions currently running.",
		}, []string{"task"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "permd_jobs_last_success_timestamp_seconds",
			Help: "Unix time of the last successful execution.",
		}, []string{"task"}),
	}
	registerer.MustRegister(m.runs, m.failures, m.duration, m.deleted, m.inFlight, m.lastSuccess)
	return m
}

// Observe runs fn as one execution of job and returns its error unchanged.
func (m *Metrics) Observe(job string, fn func() error) error {
	if m == nil {
		return fn()
	}
	m.inFlight.WithLabelValues(job).Inc()
	start := time.Now()
	err := fn()
	m.inFlight.WithLabelValues(job).Dec()
	m.duration.WithLabelValues(job).Observe(time.Since(start).Seconds())

	if err != nil {
		m.failures.WithLabelValues(job).Inc()
		m.runs.WithLabelValues(job, statusFailure).Inc()
		return err
	}
	m.runs.WithLabelValues(job, statusSuccess).Inc()
	m.lastSuccess.WithLabelValues(job).SetToCurrentTime()
	return nil
}

// AddDeleted counts rows a maintenance job removed.
func (m *Metrics) AddDeleted(job string, rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.deleted.WithLabelValues(job).Add(float64(rows))
}
