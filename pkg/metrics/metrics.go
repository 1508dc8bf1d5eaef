package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Catalog metrics
	FoldersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardkeep_folders_total",
			Help: "Total number of folders by state",
		},
		[]string{"state"},
	)

	FilesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardkeep_files_total",
			Help: "Total number of files by state",
		},
		[]string{"state"},
	)

	SegmentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardkeep_segments_total",
			Help: "Total number of segments by state",
		},
		[]string{"state"},
	)

	SharesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardkeep_shares_total",
			Help: "Total number of published shares",
		},
	)

	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardkeep_sessions_total",
			Help: "Total number of download sessions by state",
		},
		[]string{"state"},
	)

	CatalogMaintenanceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardkeep_catalog_maintenance_duration_seconds",
			Help:    "Time taken for one catalog maintenance cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CatalogMaintenanceCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardkeep_catalog_maintenance_cycles_total",
			Help: "Total number of catalog maintenance cycles completed",
		},
	)

	// Transport metrics
	TransportConnectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardkeep_transport_connections_total",
			Help: "Total number of transport connections by server and state",
		},
		[]string{"server", "state"},
	)

	TransportPostsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardkeep_transport_posts_total",
			Help: "Total number of article posts by server and outcome",
		},
		[]string{"server", "outcome"},
	)

	TransportRetrievesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardkeep_transport_retrieves_total",
			Help: "Total number of article retrievals by server and outcome",
		},
		[]string{"server", "outcome"},
	)

	TransportFailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardkeep_transport_failovers_total",
			Help: "Total number of server failovers by reason",
		},
		[]string{"reason"},
	)

	TransportRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardkeep_transport_request_duration_seconds",
			Help:    "Transport request duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Uploader metrics
	SegmentsPostedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardkeep_segments_posted_total",
			Help: "Total number of segments successfully posted",
		},
	)

	SegmentsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardkeep_segments_failed_total",
			Help: "Total number of segments that exhausted their retry budget",
		},
	)

	UploadQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardkeep_upload_queue_depth",
			Help: "Current number of segments queued for upload",
		},
	)

	SegmentUploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardkeep_segment_upload_duration_seconds",
			Help:    "Time taken to hash, encrypt, frame and post one segment",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Downloader metrics
	SegmentsFetchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardkeep_segments_fetched_total",
			Help: "Total number of segments successfully fetched",
		},
	)

	IntegrityFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardkeep_integrity_failures_total",
			Help: "Total number of files that failed content-hash verification",
		},
	)

	SegmentDownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardkeep_segment_download_duration_seconds",
			Help:    "Time taken to fetch, decrypt and verify one segment",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Publisher/resolver metrics
	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardkeep_publish_duration_seconds",
			Help:    "Time taken to build, sign and post a share index",
			Buckets: prometheus.DefBuckets,
		},
	)

	ResolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardkeep_resolve_duration_seconds",
			Help:    "Time taken to fetch and parse a share index",
			Buckets: prometheus.DefBuckets,
		},
	)

	UnauthorizedResolvesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardkeep_unauthorized_resolves_total",
			Help: "Total number of resolve attempts rejected by access control, by mode",
		},
		[]string{"mode"},
	)

	// Event broker metrics
	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardkeep_events_dropped_total",
			Help: "Total number of progress events dropped because a subscriber's buffer was full",
		},
	)
)

func init() {
	prometheus.MustRegister(FoldersTotal)
	prometheus.MustRegister(FilesTotal)
	prometheus.MustRegister(SegmentsTotal)
	prometheus.MustRegister(SharesTotal)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(CatalogMaintenanceDuration)
	prometheus.MustRegister(CatalogMaintenanceCyclesTotal)

	prometheus.MustRegister(TransportConnectionsTotal)
	prometheus.MustRegister(TransportPostsTotal)
	prometheus.MustRegister(TransportRetrievesTotal)
	prometheus.MustRegister(TransportFailoversTotal)
	prometheus.MustRegister(TransportRequestDuration)

	prometheus.MustRegister(SegmentsPostedTotal)
	prometheus.MustRegister(SegmentsFailedTotal)
	prometheus.MustRegister(UploadQueueDepth)
	prometheus.MustRegister(SegmentUploadDuration)

	prometheus.MustRegister(SegmentsFetchedTotal)
	prometheus.MustRegister(IntegrityFailuresTotal)
	prometheus.MustRegister(SegmentDownloadDuration)

	prometheus.MustRegister(PublishDuration)
	prometheus.MustRegister(ResolveDuration)
	prometheus.MustRegister(UnauthorizedResolvesTotal)

	prometheus.MustRegister(EventsDroppedTotal)
}

// Handler returns the Prometheus HTTP scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
