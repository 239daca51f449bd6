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

// Metrics stores Prometheus collectors used by API, worker and background flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	assignmentsTotal      *prometheus.CounterVec
	assignmentEmptyTotal  prometheus.Counter
	cacheLookupsTotal     *prometheus.CounterVec
	leaseContentionTotal  prometheus.Counter
	verdictsTotal         *prometheus.CounterVec
	batchesSampledTotal   prometheus.Counter
	sampleSize            prometheus.Histogram
	decisionsTotal        *prometheus.CounterVec
	reconcileRetriesTotal prometheus.Counter
	workerInflight        *prometheus.GaugeVec
}

const namespace = "qc_engine"

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		assignmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "review_assignments_total",
				Help:      "Review leases handed out, by where the candidate came from.",
			},
			[]string{"source"},
		),
		assignmentEmptyTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "review_assignments_empty_total",
				Help:      "Assignment requests that found nothing to review.",
			},
		),
		cacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "assignment_cache_lookups_total",
				Help:      "Assignment cache lookups by result (hit, miss, error).",
			},
			[]string{"result"},
		),
		leaseContentionTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "review_lease_contention_total",
				Help:      "Lease grants lost to a concurrent reviewer.",
			},
		),
		verdictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "review_verdicts_total",
				Help:      "Reviewer verdicts recorded by verdict.",
			},
			[]string{"verdict"},
		),
		batchesSampledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_sampled_total",
				Help:      "Batches closed and partitioned into sample and remaining.",
			},
		),
		sampleSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_sample_size",
				Help:      "Number of responses drawn into a batch sample.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_decisions_total",
				Help:      "Remaining-subset decisions by outcome status.",
			},
			[]string{"status"},
		),
		reconcileRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_retries_total",
				Help:      "Reconcile jobs published after an inline settle failed.",
			},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_inflight",
				Help:      "Current number of in-flight batch jobs grouped by action.",
			},
			[]string{"action"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.assignmentsTotal,
		m.assignmentEmptyTotal,
		m.cacheLookupsTotal,
		m.leaseContentionTotal,
		m.verdictsTotal,
		m.batchesSampledTotal,
		m.sampleSize,
		m.decisionsTotal,
		m.reconcileRetriesTotal,
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

func (m *Metrics) IncAssignment(source string) {
	if m == nil {
		return
	}
	m.assignmentsTotal.WithLabelValues(normalizeLabel(source)).Inc()
}

func (m *Metrics) IncAssignmentEmpty() {
	if m == nil {
		return
	}
	m.assignmentEmptyTotal.Inc()
}

func (m *Metrics) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookupsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncLeaseContention() {
	if m == nil {
		return
	}
	m.leaseContentionTotal.Inc()
}

func (m *Metrics) IncVerdict(verdict string) {
	if m == nil {
		return
	}
	m.verdictsTotal.WithLabelValues(normalizeLabel(verdict)).Inc()
}

func (m *Metrics) ObserveBatchSampled(sampleSize int) {
	if m == nil {
		return
	}
	m.batchesSampledTotal.Inc()
	m.sampleSize.Observe(float64(max(sampleSize, 0)))
}

func (m *Metrics) IncDecision(status string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) IncReconcileRetry() {
	if m == nil {
		return
	}
	m.reconcileRetriesTotal.Inc()
}

func (m *Metrics) IncWorkerInFlight(action string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(action)).Inc()
}

func (m *Metrics) DecWorkerInFlight(action string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(action)).Dec()
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
