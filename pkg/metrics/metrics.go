package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Global query plan metrics
	SharedPlansTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_shared_plans_total",
			Help: "Total number of shared query plans by status",
		},
		[]string{"status"},
	)

	HostedQueriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_hosted_queries_total",
			Help: "Total number of client queries hosted across all shared plans",
		},
	)

	ChangeLogEntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_changelog_entries_total",
			Help: "Total live change-log entries across shared plans",
		},
		[]string{"shared_plan_status"},
	)

	// Update phase metrics
	UpdatePhaseRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_update_phase_requests_total",
			Help: "Total number of requests processed by the update phase, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	UpdatePhaseBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_update_phase_batch_duration_seconds",
			Help:    "Time to process one request batch end to end",
			Buckets: prometheus.DefBuckets,
		},
	)

	UpdatePhaseBatchesRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_update_phase_batches_rejected_total",
			Help: "Total number of batches rejected atomically with GlobalQueryPlanUpdateException",
		},
	)

	// Query merger metrics
	MergeAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_merge_attempts_total",
			Help: "Total number of merge condition evaluations by rule and outcome",
		},
		[]string{"rule", "outcome"},
	)

	// Placement amendment metrics
	AmendmentsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_amendments_enqueued_total",
			Help: "Total number of placement amendment instances enqueued",
		},
	)

	AmendmentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_amendment_duration_seconds",
			Help:    "Time to compute and commit one placement amendment, by mode",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	AmendmentsCommittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_amendments_committed_total",
			Help: "Total number of amendments that committed successfully, by mode and strategy",
		},
		[]string{"mode", "strategy"},
	)

	OCCRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_occ_retries_total",
			Help: "Total number of optimistic-concurrency-control validation retries",
		},
	)

	OCCExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_occ_exhausted_total",
			Help: "Total number of amendments left OPTIMIZING after exhausting retryCount",
		},
	)

	// Storage handler metrics
	StorageAcquireDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coordinator_storage_acquire_duration_seconds",
			Help:    "Time spent acquiring the resource set for one amendment or batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Logging metrics
	LogEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_log_events_total",
			Help: "Total number of log events emitted, by level",
		},
		[]string{"level"},
	)
)

func init() {
	prometheus.MustRegister(SharedPlansTotal)
	prometheus.MustRegister(HostedQueriesTotal)
	prometheus.MustRegister(ChangeLogEntriesTotal)
	prometheus.MustRegister(UpdatePhaseRequestsTotal)
	prometheus.MustRegister(UpdatePhaseBatchDuration)
	prometheus.MustRegister(UpdatePhaseBatchesRejected)
	prometheus.MustRegister(MergeAttemptsTotal)
	prometheus.MustRegister(AmendmentsEnqueuedTotal)
	prometheus.MustRegister(AmendmentDuration)
	prometheus.MustRegister(AmendmentsCommittedTotal)
	prometheus.MustRegister(OCCRetriesTotal)
	prometheus.MustRegister(OCCExhaustedTotal)
	prometheus.MustRegister(StorageAcquireDuration)
	prometheus.MustRegister(LogEventsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
