// Package metrics provides Prometheus metrics for the dat client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transfer directions.
const (
	Upload   = "upload"
	Download = "download"
)

var (
	// Transfer metrics
	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dat_transfer_bytes_total",
			Help: "Total bytes transferred, by direction",
		},
		[]string{"direction"},
	)

	transferRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dat_transfer_rate_bytes_per_second",
			Help: "Smoothed transfer rate, by direction",
		},
		[]string{"direction"},
	)

	// Swarm metrics
	swarmPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dat_swarm_peers",
			Help: "Open peer connections for the current archive",
		},
	)

	// Import metrics
	importsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dat_imports_total",
			Help: "Files written into archives, by status",
		},
		[]string{"status"},
	)

	importQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dat_import_queue_length",
			Help: "Files waiting in the import queue",
		},
	)

	// Export metrics
	exportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dat_exports_total",
			Help: "Export attempts, by result",
		},
		[]string{"result"},
	)

	exportDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dat_export_duration_seconds",
			Help:    "Time to fetch and bundle an export",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Archive metrics
	archiveOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dat_archive_opens_total",
			Help: "Archive open attempts, by result",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TransferBytes returns the byte counter for a direction.
func TransferBytes(direction string) prometheus.Counter {
	return transferBytes.WithLabelValues(direction)
}

// TransferRate returns the rate gauge for a direction.
func TransferRate(direction string) prometheus.Gauge {
	return transferRate.WithLabelValues(direction)
}

// SetPeers records the current peer count.
func SetPeers(n int) {
	swarmPeers.Set(float64(n))
}

// RecordImport records a finished file write.
func RecordImport(success bool) {
	importsTotal.WithLabelValues(status(success)).Inc()
}

// SetImportQueueLength records the number of queued files.
func SetImportQueueLength(n int) {
	importQueueLength.Set(float64(n))
}

// RecordExport records an export attempt.
func RecordExport(success bool, seconds float64) {
	exportsTotal.WithLabelValues(status(success)).Inc()
	exportDuration.Observe(seconds)
}

// RecordOpen records an archive open attempt.
func RecordOpen(success bool) {
	archiveOpens.WithLabelValues(status(success)).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
