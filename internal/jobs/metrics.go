package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs and reconciliation runs.
type Metrics struct {
	runs           *prometheus.CounterVec
	failures       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	retries        prometheus.Counter
	failedAccounts prometheus.Counter
	reconciled     prometheus.Counter
	violations     prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// ObserveReconciliation records the outcome counters of one reconciliation run.
func (m *Metrics) ObserveReconciliation(reconciled, failed, retries int) {
	if m == nil {
		return
	}
	if reconciled > 0 {
		m.reconciled.Add(float64(reconciled))
	}
	if failed > 0 {
		m.failedAccounts.Add(float64(failed))
	}
	if retries > 0 {
		m.retries.Add(float64(retries))
	}
}

// AddViolations increments the integrity violation counter.
func (m *Metrics) AddViolations(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.violations.Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconcile_retries_total",
		Help: "Optimistic update retries caused by account version conflicts.",
	})
	failedAccounts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconcile_failed_accounts_total",
		Help: "Accounts whose snapshot update failed during reconciliation.",
	})
	reconciled := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconcile_accounts_total",
		Help: "Accounts whose snapshot was advanced by reconciliation.",
	})
	violations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_integrity_violations_total",
		Help: "Unbalanced transaction groups detected by integrity checks.",
	})
	registerer.MustRegister(runs, failures, duration, retries, failedAccounts, reconciled, violations)
	return &Metrics{
		runs:           runs,
		failures:       failures,
		duration:       duration,
		retries:        retries,
		failedAccounts: failedAccounts,
		reconciled:     reconciled,
		violations:     violations,
	}
}
