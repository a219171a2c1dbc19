// Package metrics exposes Prometheus instrumentation for the publish
// coordinator, catalog retries and the mirror sweeper, in the same
// package-level-vars-plus-init-registration style as cuemby-warren's
// pkg/metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PublishBeginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aptpub_publish_begin_total",
			Help: "Total number of publish-begin calls by outcome",
		},
		[]string{"outcome"},
	)

	PublishCommitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aptpub_publish_commit_total",
			Help: "Total number of publish-commit calls by outcome",
		},
		[]string{"outcome"},
	)

	PublishCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aptpub_publish_commit_duration_seconds",
			Help:    "Time taken to regenerate, verify and commit a release",
			Buckets: prometheus.DefBuckets,
		},
	)

	CatalogConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aptpub_catalog_conflicts_total",
			Help: "Total number of serializable transaction conflicts observed",
		},
	)

	CatalogRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aptpub_catalog_retries_total",
			Help: "Total number of catalog operation retries after a conflict",
		},
	)

	PackagesAdmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aptpub_packages_admitted_total",
			Help: "Total number of packages admitted to a component, by outcome",
		},
		[]string{"outcome"},
	)

	MirrorSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aptpub_mirror_sync_duration_seconds",
			Help:    "Time taken to sync a committed release to object storage",
			Buckets: prometheus.DefBuckets,
		},
	)

	MirrorSweepDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aptpub_mirror_sweep_deleted_total",
			Help: "Total number of stale by-hash objects deleted by the sweeper",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aptpub_http_requests_total",
			Help: "Total number of HTTP API requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aptpub_http_request_duration_seconds",
			Help:    "HTTP API request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		PublishBeginTotal,
		PublishCommitTotal,
		PublishCommitDuration,
		CatalogConflictsTotal,
		CatalogRetriesTotal,
		PackagesAdmittedTotal,
		MirrorSyncDuration,
		MirrorSweepDeletedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler serves the aggregated Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an in-flight operation's duration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
