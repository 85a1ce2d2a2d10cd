// Package metrics exposes Prometheus collectors for the scan service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission outcomes recorded by ObserveSubmission.
const (
	SubmissionAccepted  = "accepted"
	SubmissionInvalid   = "invalid"
	SubmissionQueueFull = "queue_full"
	SubmissionError     = "error"
)

var (
	scansSubmittedTotal        *prometheus.CounterVec
	scansFinishedTotal         *prometheus.CounterVec
	scansRunning               prometheus.Gauge
	queueDepth                 prometheus.Gauge
	scanDurationSeconds        prometheus.Histogram
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scansSubmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "securescan_scans_submitted_total",
				Help: "Total number of scan submissions, labeled by result.",
			},
			[]string{"result"},
		)

		scansFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "securescan_scans_finished_total",
				Help: "Total number of scans that reached a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		scansRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "securescan_scans_running",
				Help: "Number of scans currently holding a permit.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "securescan_queue_depth",
				Help: "Number of admitted scans waiting for a permit.",
			},
		)

		scanDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "securescan_scan_duration_seconds",
				Help:    "Histogram of scan durations from permit acquisition to terminal status.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "securescan_rate_limit_delay_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname for use as a label.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveSubmission counts a submission attempt by outcome.
func ObserveSubmission(result string) {
	Init()
	scansSubmittedTotal.WithLabelValues(result).Inc()
}

// ObserveFinished records a terminal scan and how long it ran.
func ObserveFinished(status string, duration time.Duration) {
	Init()
	scansFinishedTotal.WithLabelValues(status).Inc()
	scanDurationSeconds.Observe(duration.Seconds())
}

// IncRunning increments the running scans gauge.
func IncRunning() {
	Init()
	scansRunning.Inc()
}

// DecRunning decrements the running scans gauge.
func DecRunning() {
	Init()
	scansRunning.Dec()
}

// SetQueueDepth reports the current admission queue length.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
