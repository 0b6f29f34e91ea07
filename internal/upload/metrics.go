package upload

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures metrics are only registered once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of upload metrics.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics for the upload engine.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec   // beamdrop_upload_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // beamdrop_upload_request_duration_seconds{operation}

	BytesReceived  prometheus.Counter // beamdrop_upload_bytes_received_total
	FilesFinalized prometheus.Counter // beamdrop_files_finalized_total

	SessionsInProgress prometheus.Gauge // beamdrop_upload_sessions_in_progress

	SessionsExpired prometheus.Counter // beamdrop_cleanup_sessions_expired_total
	OrphansDeleted  prometheus.Counter // beamdrop_cleanup_orphans_deleted_total
	SessionsFailed  prometheus.Counter // beamdrop_cleanup_sessions_failed_total
}

// InitMetrics initializes all upload metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "beamdrop_upload_requests_total",
				Help: "Total upload protocol requests by operation and status",
			}, []string{"operation", "status"}),

			RequestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "beamdrop_upload_request_duration_seconds",
				Help:    "Upload protocol request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			BytesReceived: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "beamdrop_upload_bytes_received_total",
				Help: "Total payload bytes durably received",
			}),

			FilesFinalized: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "beamdrop_files_finalized_total",
				Help: "Total files committed to the media library",
			}),

			SessionsInProgress: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "beamdrop_upload_sessions_in_progress",
				Help: "Number of in-progress upload sessions",
			}),

			SessionsExpired: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "beamdrop_cleanup_sessions_expired_total",
				Help: "Sessions expired by the TTL sweep",
			}),

			OrphansDeleted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "beamdrop_cleanup_orphans_deleted_total",
				Help: "Orphaned storage entries deleted by reconciliation",
			}),

			SessionsFailed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "beamdrop_cleanup_sessions_failed_total",
				Help: "Sessions marked failed because their storage entry vanished",
			}),
		}
	})
	return metricsInstance
}

// RecordRequest records a protocol request outcome.
func (m *Metrics) RecordRequest(operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(seconds)
}
