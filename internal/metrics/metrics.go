// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_jobs_created_total",
			Help: "Total number of crawl jobs created, labeled by job type.",
		},
		[]string{"job_type"},
	)

	jobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_jobs_finished_total",
			Help: "Total number of job executions, labeled by job type and outcome.",
		},
		[]string{"job_type", "outcome"},
	)

	jobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_job_duration_seconds",
			Help:    "Histogram of job execution latencies, labeled by job type.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30, 60},
		},
		[]string{"job_type"},
	)

	jobsLeasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_jobs_leased_total",
			Help: "Total number of jobs leased by workers.",
		},
	)

	leasesExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_leases_expired_total",
			Help: "Total number of expired leases returned to the queue by the sweeper.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_rate_limit_delay_seconds",
			Help:    "Histogram of rate limiter wait durations, labeled by source.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source"},
	)

	rateLimitThrottledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_rate_limit_throttled_total",
			Help: "Total number of acquisitions that hit the acquire deadline, labeled by source.",
		},
		[]string{"source"},
	)

	fetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_fetch_requests_total",
			Help: "Total number of outbound source requests, labeled by host and status code.",
		},
		[]string{"host", "code"},
	)

	upsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_upserts_total",
			Help: "Total number of content upserts, labeled by domain and outcome.",
		},
		[]string{"domain", "outcome"},
	)

	identityConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_identity_conflicts_total",
			Help: "Total number of uniqueness conflicts retried during upsert, labeled by domain.",
		},
		[]string{"domain"},
	)

	producerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_producer_runs_total",
			Help: "Total number of producer runs, labeled by job type and outcome.",
		},
		[]string{"job_type", "outcome"},
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
)

// SanitizeHost extracts a lowercase hostname from a URL.
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
	return promhttp.Handler()
}

// ObserveJobsCreated counts newly created jobs.
func ObserveJobsCreated(jobType string, n int) {
	if n > 0 {
		jobsCreatedTotal.WithLabelValues(jobType).Add(float64(n))
	}
}

// ObserveJob records one job execution and its outcome.
func ObserveJob(jobType, outcome string, duration time.Duration) {
	jobsFinishedTotal.WithLabelValues(jobType, outcome).Inc()
	jobDurationSeconds.WithLabelValues(jobType).Observe(duration.Seconds())
}

// ObserveLeased counts leased jobs.
func ObserveLeased(n int) {
	if n > 0 {
		jobsLeasedTotal.Add(float64(n))
	}
}

// ObserveLeasesExpired counts leases returned to the queue.
func ObserveLeasesExpired(n int) {
	if n > 0 {
		leasesExpiredTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveThrottled counts acquisitions that ran out of time.
func ObserveThrottled(source string) {
	rateLimitThrottledTotal.WithLabelValues(source).Inc()
}

// ObserveFetch counts an outbound request. A zero code means no response was received.
func ObserveFetch(rawURL string, code int) {
	fetchRequestsTotal.WithLabelValues(SanitizeHost(rawURL), strconv.Itoa(code)).Inc()
}

// ObserveUpsert counts a completed upsert.
func ObserveUpsert(domain, outcome string) {
	upsertsTotal.WithLabelValues(domain, outcome).Inc()
}

// ObserveIdentityConflict counts a retried uniqueness conflict.
func ObserveIdentityConflict(domain string) {
	identityConflictsTotal.WithLabelValues(domain).Inc()
}

// ObserveProducerRun counts a producer run.
func ObserveProducerRun(jobType, outcome string) {
	producerRunsTotal.WithLabelValues(jobType, outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
