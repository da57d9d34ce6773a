// Package telemetry provides logging setup and Prometheus metrics for sensorhub.
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started in cmd/server:
//
//	GET http://<host>:<SHB_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// The endpoint is not part of the gin router, so it is never behind the auth gate.
//
// HTTP metrics are labelled with the gin route template (c.FullPath()) rather
// than the raw URL to keep label cardinality bounded.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sensorhub/sensorhub/internal/safego"
)

// HTTP metrics, labelled by method, route template and status code.
//
// Example PromQL queries:
//   - Request rate:          rate(http_requests_total[5m])
//   - p99 latency per route: histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Ingestion outcomes recorded on IngestBatchesTotal.
const (
	OutcomeAcknowledged = "acknowledged"
	OutcomeRejected     = "rejected"
	OutcomeFailed       = "failed"
)

// Ingestion metrics.
//
// IngestBatchesTotal counts every POST /sensor-readings by terminal state:
// acknowledged (all rows written), rejected (validation failed, nothing written)
// or failed (at least one write failed; earlier rows may still be persisted).
//
// Example PromQL queries:
//   - Failure ratio: sum(rate(sensorhub_ingest_batches_total{outcome="failed"}[5m])) / sum(rate(sensorhub_ingest_batches_total[5m]))
//   - Readings/s:    rate(sensorhub_readings_ingested_total[5m])
var (
	IngestBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_ingest_batches_total",
			Help: "Total number of ingestion requests, by outcome.",
		},
		[]string{"outcome"},
	)

	ReadingsIngestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorhub_readings_ingested_total",
			Help: "Total number of sensor readings written to the store.",
		},
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorhub_ingest_batch_size",
			Help:    "Number of readings per accepted ingestion request.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	ReadingsPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorhub_readings_purged_total",
			Help: "Total number of sensor readings removed by purge requests.",
		},
	)

	ArchiveUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorhub_archive_uploads_total",
			Help: "Total number of pre-purge archive uploads, by storage backend and result.",
		},
		[]string{"backend", "result"},
	)
)

// LoginAttemptsTotal counts POST /login by result ("success" or "failure").
// A sustained failure rate is a credential-stuffing signal.
var LoginAttemptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sensorhub_login_attempts_total",
		Help: "Total number of login attempts, by result.",
	},
	[]string{"result"},
)

// DBOpenConnections tracks sql.DB pool usage. It is sampled by
// StartDBStatsCollector rather than on every request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples the pool every interval until ctx is done or
// the database stops answering pings.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	safego.Go("db-stats-collector", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	})
}
