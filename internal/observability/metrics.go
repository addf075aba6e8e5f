package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by API and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	jobsClaimedTotal     *prometheus.CounterVec
	jobsCompletedTotal   *prometheus.CounterVec
	dispatchTotal        *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	runsFinalizedTotal   *prometheus.CounterVec
	rateLimitBlocked     *prometheus.CounterVec
	rateLimitWarnings    *prometheus.CounterVec
	workerInflight       *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "campaign_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "campaign_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		jobsClaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "campaign_engine",
				Name:      "jobs_claimed_total",
				Help:      "Total number of jobs claimed, by worker.",
			},
			[]string{"worker"},
		),
		jobsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "campaign_engine",
				Name:      "jobs_completed_total",
				Help:      "Total number of processed jobs by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "campaign_engine",
				Name:      "dispatch_total",
				Help:      "Total number of per-recipient dispatch results by channel and outbox status.",
			},
			[]string{"channel", "status"},
		),
		providerCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "campaign_engine",
				Name:      "provider_call_duration_seconds",
				Help:      "Provider call duration in seconds by channel and provider.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel", "provider"},
		),
		runsFinalizedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "campaign_engine",
				Name:      "runs_finalized_total",
				Help:      "Total number of runs that reached a terminal status.",
			},
			[]string{"status"},
		),
		rateLimitBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "campaign_engine",
				Name:      "rate_limit_blocked_total",
				Help:      "Total number of jobs deferred because a rate limit was reached.",
			},
			[]string{"channel"},
		),
		rateLimitWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "campaign_engine",
				Name:      "rate_limit_warnings_total",
				Help:      "Total number of reservations past the soft-cap warning threshold.",
			},
			[]string{"channel"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "campaign_engine",
				Name:      "worker_inflight",
				Help:      "Current number of jobs being processed grouped by job type.",
			},
			[]string{"type"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.jobsClaimedTotal,
		m.jobsCompletedTotal,
		m.dispatchTotal,
		m.providerCallDuration,
		m.runsFinalizedTotal,
		m.rateLimitBlocked,
		m.rateLimitWarnings,
		m.workerInflight,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) AddJobsClaimed(worker string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobsClaimedTotal.WithLabelValues(normalizeLabel(worker)).Add(float64(n))
}

func (m *Metrics) IncJobCompleted(jobType string, outcome string) {
	if m == nil {
		return
	}
	m.jobsCompletedTotal.WithLabelValues(normalizeLabel(jobType), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncDispatch(channel string, status string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(status)).Inc()
}

func (m *Metrics) ObserveProviderCall(channel string, provider string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.providerCallDuration.WithLabelValues(normalizeLabel(channel), normalizeLabel(provider)).Observe(seconds)
}

func (m *Metrics) IncRunFinalized(status string) {
	if m == nil {
		return
	}
	m.runsFinalizedTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) IncRateLimitBlocked(channel string) {
	if m == nil {
		return
	}
	m.rateLimitBlocked.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncRateLimitWarning(channel string) {
	if m == nil {
		return
	}
	m.rateLimitWarnings.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncWorkerInFlight(jobType string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(jobType)).Inc()
}

func (m *Metrics) DecWorkerInFlight(jobType string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(jobType)).Dec()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
