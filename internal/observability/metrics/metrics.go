package metrics

import "github.com/prometheus/client_golang/prometheus"

// JobMetrics exposes counters/histograms for the scheduled jobs.
type JobMetrics struct {
	runsTotal   *prometheus.CounterVec
	itemsTotal  *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	outboxTotal *prometheus.CounterVec
}

func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	m := &JobMetrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carepath",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Total scheduled job runs",
		}, []string{"job", "status"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carepath",
			Subsystem: "scheduler",
			Name:      "job_items_total",
			Help:      "Items touched by scheduled jobs",
		}, []string{"job", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "carepath",
			Subsystem: "scheduler",
			Name:      "job_run_duration_seconds",
			Help:      "Duration of scheduled job runs",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		outboxTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carepath",
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Scheduling events handled by the outbox drain",
		}, []string{"result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.runsTotal, m.itemsTotal, m.runDuration, m.outboxTotal)
	return m
}

func (m *JobMetrics) ObserveRun(job string, failed bool, seconds float64) {
	if m == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	m.runsTotal.WithLabelValues(job, status).Inc()
	m.runDuration.WithLabelValues(job).Observe(seconds)
}

func (m *JobMetrics) AddItems(job, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.itemsTotal.WithLabelValues(job, outcome).Add(float64(n))
}

// ObserveOutbox records events acknowledged and events left pending for retry.
func (m *JobMetrics) ObserveOutbox(processed, retried int) {
	if m == nil {
		return
	}
	if processed > 0 {
		m.outboxTotal.WithLabelValues("processed").Add(float64(processed))
	}
	if retried > 0 {
		m.outboxTotal.WithLabelValues("retried").Add(float64(retried))
	}
}
