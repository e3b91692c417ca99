package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the engine's Prometheus metrics.
type Collector struct {
	generationsTotal   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	pollAttempts       *prometheus.HistogramVec
	creditOpsTotal     *prometheus.CounterVec
	breakerOpen        *prometheus.GaugeVec
	assetBytes         *prometheus.HistogramVec
	httpRequestsTotal  *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers the engine metrics under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.generationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Total generation requests by provider, model and outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	c.generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "End-to-end generation duration in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider", "model"},
	)

	c.pollAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_attempts",
			Help:      "Poll attempts needed per asynchronous job",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 40, 60, 120},
		},
		[]string{"provider"},
	)

	c.creditOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_operations_total",
			Help:      "Credit ledger operations by type",
		},
		[]string{"op"},
	)

	c.breakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_open",
			Help:      "Whether the provider's circuit is currently open",
		},
		[]string{"provider"},
	)

	c.assetBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "asset_bytes",
			Help:      "Size of persisted assets in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"provider"},
	)

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	c.httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "path"},
	)

	return c
}

// RecordGeneration counts one finished request.
func (c *Collector) RecordGeneration(provider, model, outcome string, duration time.Duration) {
	c.generationsTotal.WithLabelValues(provider, model, outcome).Inc()
	c.generationDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordPollAttempts observes how many polls an async job needed.
func (c *Collector) RecordPollAttempts(provider string, attempts int) {
	if attempts > 0 {
		c.pollAttempts.WithLabelValues(provider).Observe(float64(attempts))
	}
}

// RecordCreditOp counts one ledger operation (reserve, capture, release).
func (c *Collector) RecordCreditOp(op string) {
	c.creditOpsTotal.WithLabelValues(op).Inc()
}

// SetBreakerOpen publishes the provider's breaker state.
func (c *Collector) SetBreakerOpen(provider string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	c.breakerOpen.WithLabelValues(provider).Set(v)
}

// RecordAssetBytes observes one persisted asset's size.
func (c *Collector) RecordAssetBytes(provider string, size int) {
	c.assetBytes.WithLabelValues(provider).Observe(float64(size))
}

// RecordHTTPRequest counts one served request. Callers must pass a
// normalized path to keep label cardinality bounded.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
