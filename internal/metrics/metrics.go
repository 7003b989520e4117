package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_jobs_total",
		Help: "Total number of sync jobs consumed, by topic and result.",
	}, []string{"topic", "result"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crmsync_job_duration_seconds",
		Help:    "Histogram of sync job execution latencies.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"topic"})

	userSyncErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_user_sync_errors_total",
		Help: "Total number of per-user sync failures recorded in sync state.",
	}, []string{"source"})

	recordsSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_records_synced_total",
		Help: "Total number of external records ingested.",
	}, []string{"source"})
)

// JobProcessed records one consumed job and its outcome
func JobProcessed(topic, result string, took time.Duration) {
	jobsTotal.WithLabelValues(topic, result).Inc()
	jobDuration.WithLabelValues(topic).Observe(took.Seconds())
}

// UserSyncError records one per-user sync failure
func UserSyncError(source string) {
	userSyncErrors.WithLabelValues(source).Inc()
}

// AddRecordsSynced records ingested external records
func AddRecordsSynced(source string, n int) {
	if n > 0 {
		recordsSynced.WithLabelValues(source).Add(float64(n))
	}
}
