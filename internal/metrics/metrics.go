// Package metrics provides Prometheus metrics for dochub.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all dochub metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Archive build results.
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultTooLarge = "too_large"
	ResultError    = "error"
	ResultLimited  = "rate_limited"
)

// Metrics holds all Prometheus metrics for a dochub server.
type Metrics struct {
	// HTTP
	RequestsTotal   *prometheus.CounterVec   // dochub_http_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // dochub_http_request_duration_seconds{operation}

	// Bulk retrieval
	ArchiveBuilds  *prometheus.CounterVec // dochub_archive_builds_total{result}
	ArchiveBytes   prometheus.Histogram   // dochub_archive_bytes
	ArchiveMissing prometheus.Counter     // dochub_archive_missing_total

	// Capability links
	LinksIssued prometheus.Counter // dochub_links_issued_total

	// Inventory, refreshed by the collector
	Containers prometheus.Gauge // dochub_containers
	Blobs      *prometheus.GaugeVec
}

// New registers the dochub metrics on reg. A nil reg uses Registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = Registry
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dochub_http_requests_total",
			Help: "Total HTTP requests by operation and status",
		}, []string{"operation", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dochub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		ArchiveBuilds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dochub_archive_builds_total",
			Help: "Archive builds by result",
		}, []string{"result"}),

		ArchiveBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dochub_archive_bytes",
			Help:    "Size of built archives in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB .. 256MB
		}),

		ArchiveMissing: factory.NewCounter(prometheus.CounterOpts{
			Name: "dochub_archive_missing_total",
			Help: "Requested ids reported missing in built archives",
		}),

		LinksIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "dochub_links_issued_total",
			Help: "Capability links issued",
		}),

		Containers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dochub_containers",
			Help: "Number of containers in the backing store",
		}),

		Blobs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dochub_blobs",
			Help: "Number of blobs per container",
		}, []string{"container"}),
	}
}

// RecordRequest records a handled HTTP request.
func (m *Metrics) RecordRequest(operation string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordArchive records a finished archive build. size and missing are only
// observed for successful builds.
func (m *Metrics) RecordArchive(result string, size int64, missing int) {
	if m == nil {
		return
	}
	m.ArchiveBuilds.WithLabelValues(result).Inc()
	if result == ResultOK {
		m.ArchiveBytes.Observe(float64(size))
		m.ArchiveMissing.Add(float64(missing))
	}
}

// RecordLink counts an issued capability link.
func (m *Metrics) RecordLink() {
	if m == nil {
		return
	}
	m.LinksIssued.Inc()
}

// Handler returns the HTTP handler serving Registry.
func Handler() http.Handler {
	return HandlerFor(Registry)
}

// HandlerFor returns an HTTP handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
