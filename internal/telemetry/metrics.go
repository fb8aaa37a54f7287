// Package telemetry provides application-level observability for the audit
// engine.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<CLS_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format (Content-Type: text/plain; version=0.0.4) and is intended to be scraped by
// a Prometheus server every 15–60 seconds.  It is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Audit capture queue depth, drop and retry counters
//   - Backup run counters, duration histogram, and bytes-written counter
//   - Suspicious-activity flag counters by rule and severity
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/audit/resource/:type/:id)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments.
//
// # Usage
//
// Import the package for side effects so metrics are registered before the HTTP server
// starts listening:
//
//	import _ "github.com/clinistock/audit-engine/internal/telemetry"
//
// Or import it directly and use an exported var:
//
//	telemetry.AuditEventsDroppedTotal.Inc()
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template, NOT the raw URL, to prevent
// unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and
// exponential-ish buckets from 5 ms to 30 s.
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

// Audit capture metrics — recorded by the async audit writer.
//
// AuditQueueDepth tracks how many captured events are waiting for persistence.
// Sustained depth near the configured queue capacity means the store cannot
// keep up and drops are imminent.
//
// AuditEventsDroppedTotal counts events evicted from a full queue. Any
// non-zero rate is an alerting signal: audit history is being lost.
//
// AuditAppendRetriesTotal counts append attempts that failed once and were
// retried; AuditAppendFailuresTotal counts events abandoned after the retry.
//
// Example PromQL queries:
//   - Loss rate:        rate(audit_events_dropped_total[5m])
//   - Alert expression: increase(audit_append_failures_total[15m]) > 0
var (
	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Current number of audit events waiting in the async write queue.",
		},
	)

	AuditEventsCapturedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_captured_total",
			Help: "Total number of audit events accepted for persistence.",
		},
	)

	AuditEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Total number of audit events dropped because the write queue was full.",
		},
	)

	AuditAppendRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_append_retries_total",
			Help: "Total number of audit store append attempts that failed once and were retried.",
		},
	)

	AuditAppendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_append_failures_total",
			Help: "Total number of audit events abandoned after the append retry also failed.",
		},
	)
)

// Backup metrics — recorded by the backup scheduler.
//
// BackupRunsTotal is a CounterVec with label {status} ("succeeded" or
// "failed"), incremented once per completed backup job.
//
// BackupDuration observes wall-clock time of one export, from job creation to
// terminal status.
//
// BackupBytesWrittenTotal accumulates payload bytes landed in the object
// store across all successful exports.
//
// BackupObjectsDeletedTotal counts objects removed by retention cleanup.
//
// Example PromQL queries:
//   - Failure ratio:      sum(rate(backup_runs_total{status="failed"}[7d])) / sum(rate(backup_runs_total[7d]))
//   - p95 export time:    histogram_quantile(0.95, rate(backup_duration_seconds_bucket[7d]))
var (
	BackupRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_runs_total",
			Help: "Total number of completed backup jobs, by terminal status.",
		},
		[]string{"status"},
	)

	BackupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backup_duration_seconds",
			Help:    "Duration of a single backup export from start to terminal status.",
			Buckets: prometheus.DefBuckets,
		},
	)

	BackupBytesWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backup_bytes_written_total",
			Help: "Total number of payload bytes written to the object store by successful backups.",
		},
	)

	BackupObjectsDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backup_objects_deleted_total",
			Help: "Total number of backup objects removed by retention cleanup.",
		},
	)
)

// SuspiciousFlagsRaisedTotal is a CounterVec with labels {rule, severity}
// incremented once per flag the detector persists. Deduplicated (suppressed)
// detections do not increment it.
//
// Example PromQL queries:
//   - Flags per rule:   sum by (rule) (increase(suspicious_flags_raised_total[24h]))
//   - Critical alert:   increase(suspicious_flags_raised_total{severity="critical"}[1h]) > 0
var SuspiciousFlagsRaisedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "suspicious_flags_raised_total",
		Help: "Total number of suspicious activity flags raised, by rule and severity.",
	},
	[]string{"rule", "severity"},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
