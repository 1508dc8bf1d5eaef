/*
Package metrics provides Prometheus metrics collection and exposition for
shardkeep.

The metrics package defines and registers every shardkeep gauge, counter
and histogram using the Prometheus client library, giving operators
observability into catalog size, transport health, upload/download
throughput and publish/resolve latency. Metrics are exposed over HTTP
for scraping by a Prometheus server; a companion health/readiness/
liveness surface reports component-level status for orchestrators.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Categories              │          │
	│  │                                              │          │
	│  │  Catalog: folders/files/segments/sessions    │          │
	│  │           by state, shares, maintenance      │          │
	│  │  Transport: connections, posts, retrieves,   │          │
	│  │             failovers, request duration      │          │
	│  │  Uploader: segments posted/failed, queue     │          │
	│  │            depth, per-segment duration       │          │
	│  │  Downloader: segments fetched, integrity     │          │
	│  │              failures, per-segment duration  │          │
	│  │  Publisher/Resolver: publish/resolve          │          │
	│  │              duration, unauthorized resolves │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint               │          │
	│  │  - Path: /metrics                            │          │
	│  │  - Format: Prometheus text exposition         │          │
	│  │  - Handler: promhttp.Handler()                │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core components

  - FoldersTotal, FilesTotal, SegmentsTotal, SessionsTotal: gauge vectors
    labelled by lifecycle state, refreshed by the Catalog's background
    maintenance cycle (see pkg/catalog.StartMaintenance).
  - SharesTotal: gauge of currently published shares.
  - CatalogMaintenanceDuration / CatalogMaintenanceCyclesTotal: timing and
    count of the periodic session-reap/stats-refresh cycle.
  - TransportConnectionsTotal, TransportPostsTotal, TransportRetrievesTotal,
    TransportFailoversTotal, TransportRequestDuration: per-server pool
    health and call outcomes.
  - SegmentsPostedTotal, SegmentsFailedTotal, UploadQueueDepth,
    SegmentUploadDuration: Uploader throughput and backpressure.
  - SegmentsFetchedTotal, IntegrityFailuresTotal, SegmentDownloadDuration:
    Downloader throughput and the rate of content-hash mismatches.
  - PublishDuration, ResolveDuration, UnauthorizedResolvesTotal:
    Publisher/Resolver timing and access-control rejections by share mode.

The Transport* collectors, SegmentsFailedTotal and UploadQueueDepth are
registered and exposed, but no package in this module updates them, so
they report no per-server data and the queries and alerts below that use
them stay empty or at zero.

# Health and readiness

health.go keeps a probe registry independent of Prometheus: callers
RegisterCheck named Check functions (the "catalog" check reads
CountByState from the open bbolt handle, the "transport" check asks the
Registry whether it has any enabled server pool) and StartHealthLoop
runs them immediately and then on a timer. A component only reports
healthy when its real probe last succeeded, not because something
toggled a boolean once at startup. Health aggregates every probe's last
result for /health; Readiness covers only the probes registered as
critical and stays not_ready until each has run and passed, so /ready
gates on the catalog and transport actually being up; LivenessHandler
answers /live unconditionally once the process is running.

# Monitoring

Prometheus queries (PromQL):

Catalog:
  - Folders by state: shardkeep_folders_total{state="active"}
  - Segment backlog: shardkeep_segments_total{state="pending"}
  - Maintenance cycle time: histogram_quantile(0.95, shardkeep_catalog_maintenance_duration_seconds_bucket)

Transport:
  - Post success rate: rate(shardkeep_transport_posts_total{outcome="ok"}[5m])
  - Failover rate: rate(shardkeep_transport_failovers_total[5m])
  - p95 request latency: histogram_quantile(0.95, shardkeep_transport_request_duration_seconds_bucket)

Uploader / Downloader:
  - Segment failure rate: rate(shardkeep_segments_failed_total[5m])
  - Queue depth: shardkeep_upload_queue_depth
  - Integrity failure rate: rate(shardkeep_integrity_failures_total[5m])

Publisher / Resolver:
  - Unauthorized resolve rate by mode: rate(shardkeep_unauthorized_resolves_total[5m])

# Alerting

Recommended alerts:

High segment failure rate:
  - rate(shardkeep_segments_failed_total[5m]) > 0.1
  - Check transport server health and retry ceiling.

Integrity failures present:
  - rate(shardkeep_integrity_failures_total[5m]) > 0
  - Indicates tampering or upstream data loss; never auto-retried.

No healthy transport servers:
  - shardkeep_transport_connections_total{state="ready"} == 0
  - All server pools exhausted; uploads/downloads will fail over to nothing.

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
