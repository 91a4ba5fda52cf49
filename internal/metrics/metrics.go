// Package metrics exposes Prometheus counters/histograms for request
// volume, latency, writer queue depth, and token accounting (spec
// §4.7). Grounded on the teacher's internal/metrics/prometheus.go for
// which dimensions matter (mode/model/status, account, queue) but built
// on github.com/prometheus/client_golang instead of the teacher's
// hand-rolled atomic-map implementation, since the pack carries a real
// Prometheus client and there is no reason to hand-roll one here.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector this proxy registers.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	writerQueueDepth prometheus.Gauge
	writerDropped    prometheus.Counter
	tokensTotal      *prometheus.CounterVec
}

// New builds all collectors and registers them on the Prometheus default
// registry.
func New() *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anthraxy_requests_total",
			Help: "Inbound /v1/messages requests by domain, request_type, and response status.",
		}, []string{"domain", "request_type", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anthraxy_request_duration_seconds",
			Help:    "End-to-end request duration by domain and request_type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"domain", "request_type"}),
		writerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anthraxy_writer_queue_depth",
			Help: "Current depth of the async writer's bounded queue.",
		}),
		writerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anthraxy_writer_dropped_total",
			Help: "Entries dropped from the writer queue on overflow.",
		}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "anthraxy_tokens_total",
			Help: "Input/output tokens processed, by domain and account_id.",
		}, []string{"domain", "account_id", "direction"}),
	}

	prometheus.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.writerQueueDepth,
		m.writerDropped,
		m.tokensTotal,
	)
	return m
}

// Handler returns the gin handler for the configured metrics path.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}

func (m *Metrics) ObserveRequest(domain, requestType, status string, seconds float64) {
	m.requestsTotal.WithLabelValues(domain, requestType, status).Inc()
	m.requestDuration.WithLabelValues(domain, requestType).Observe(seconds)
}

func (m *Metrics) ObserveTokens(domain, accountID string, inputTokens, outputTokens int64) {
	m.tokensTotal.WithLabelValues(domain, accountID, "input").Add(float64(inputTokens))
	m.tokensTotal.WithLabelValues(domain, accountID, "output").Add(float64(outputTokens))
}

func (m *Metrics) SetWriterQueueDepth(n int) {
	m.writerQueueDepth.Set(float64(n))
}

func (m *Metrics) IncWriterDropped() {
	m.writerDropped.Inc()
}
