package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UploadsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_uploads_submitted_total",
		Help: "Uploads received, by object type and outcome.",
	}, []string{"object_type", "outcome"}) // outcome: accepted, rejected, failed

	RowsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_upload_rows_ingested_total",
		Help: "Data rows stored as work items.",
	}, []string{"object_type"})

	BatchFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_batch_write_fallbacks_total",
		Help: "Batch writes that fell back to per-item writes.",
	}, []string{"operation"}) // operation: insert, update

	ItemWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_item_write_failures_total",
		Help: "Work items that could not be persisted individually.",
	}, []string{"operation"})

	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_items_processed_total",
		Help: "Work items handled by background passes, by resulting status.",
	}, []string{"object_type", "status"})

	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulk_pass_duration_seconds",
		Help:    "Duration of one background pass over a job.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"object_type"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_location_cache_lookups_total",
		Help: "Location cache lookups, by result.",
	}, []string{"result"}) // result: hit, miss, error
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
