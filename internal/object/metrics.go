package object

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures metrics are only registered once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of object service metrics.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics for the object service.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec   // driftfs_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // driftfs_request_duration_seconds{operation}

	// Transfer metrics
	BytesUploaded   prometheus.Counter // driftfs_bytes_uploaded_total
	BytesDownloaded prometheus.Counter // driftfs_bytes_downloaded_total

	// Storage metrics
	ObjectsTotal  prometheus.Gauge     // driftfs_objects_total
	VolumeObjects *prometheus.GaugeVec // driftfs_volume_objects{volume}

	// Reaper metrics
	ReapedTotal       prometheus.Counter // driftfs_reaped_objects_total
	ReapFailuresTotal prometheus.Counter // driftfs_reap_failures_total
}

// InitMetrics initializes all object service metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "driftfs_requests_total",
				Help: "Total object requests by operation and status",
			}, []string{"operation", "status"}),

			RequestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "driftfs_request_duration_seconds",
				Help:    "Object request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			BytesUploaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "driftfs_bytes_uploaded_total",
				Help: "Total bytes accepted by object creation",
			}),

			BytesDownloaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "driftfs_bytes_downloaded_total",
				Help: "Total bytes served by object downloads",
			}),

			ObjectsTotal: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "driftfs_objects_total",
				Help: "Total number of live objects",
			}),

			VolumeObjects: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
				Name: "driftfs_volume_objects",
				Help: "Live objects per storage volume",
			}, []string{"volume"}),

			ReapedTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "driftfs_reaped_objects_total",
				Help: "Total expired objects reclaimed by the reaper",
			}),

			ReapFailuresTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "driftfs_reap_failures_total",
				Help: "Total reaper reclamations that failed and will be retried",
			}),
		}
	})

	return metricsInstance
}

// GetMetrics returns the singleton metrics instance.
// Returns nil if metrics have not been initialized.
func GetMetrics() *Metrics {
	return metricsInstance
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(operation, status string, durationSeconds float64) {
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordUpload records bytes accepted by a create.
func (m *Metrics) RecordUpload(bytes int64) {
	m.BytesUploaded.Add(float64(bytes))
}

// RecordDownload records bytes served by a download.
func (m *Metrics) RecordDownload(bytes int64) {
	m.BytesDownloaded.Add(float64(bytes))
}

// UpdateObjectGauges refreshes the per-volume and total object gauges.
// roots lists every configured volume so idle volumes report zero.
func (m *Metrics) UpdateObjectGauges(roots []string, counts map[string]int) {
	total := 0
	for _, root := range roots {
		n := counts[root]
		m.VolumeObjects.WithLabelValues(root).Set(float64(n))
		total += n
	}
	m.ObjectsTotal.Set(float64(total))
}

// RecordReap records the outcome of one reaper pass.
func (m *Metrics) RecordReap(reclaimed, failed int) {
	m.ReapedTotal.Add(float64(reclaimed))
	m.ReapFailuresTotal.Add(float64(failed))
}
