package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapprobe",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mapprobe",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "path"})

	// Probe sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mapprobe",
		Subsystem: "ws",
		Name:      "active_sessions",
		Help:      "Current number of mounted probe sessions",
	})

	DebounceCoalesced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapprobe",
		Subsystem: "probe",
		Name:      "debounce_coalesced_total",
		Help:      "Scheduled callbacks superseded by a newer event before firing",
	}, []string{"key"})

	QueriesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mapprobe",
		Subsystem: "probe",
		Name:      "queries_issued_total",
		Help:      "Elevation queries issued after the pointer debounce",
	})

	StaleResults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mapprobe",
		Subsystem: "probe",
		Name:      "stale_results_total",
		Help:      "Elevation results discarded because a newer query had already settled",
	})

	// Elevation backend
	ElevationLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapprobe",
		Subsystem: "elevation",
		Name:      "lookups_total",
		Help:      "Elevation backend lookups by outcome",
	}, []string{"outcome"})

	ElevationLookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mapprobe",
		Subsystem: "elevation",
		Name:      "lookup_duration_seconds",
		Help:      "Elevation backend round-trip time",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapprobe",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total cache hits",
	}, []string{"operation"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mapprobe",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total cache misses",
	}, []string{"operation"})
)

// Middleware records request metrics.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Response().StatusCode())
		path := c.Route().Path
		if path == "" {
			path = c.Path()
		}
		method := c.Method()

		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(duration)

		return err
	}
}

// Handler returns a Fiber handler serving Prometheus /metrics endpoint.
func Handler() fiber.Handler {
	handler := promhttp.Handler()
	return func(c *fiber.Ctx) error {
		fasthttpadaptor.NewFastHTTPHandler(handler)(c.Context())
		return nil
	}
}
