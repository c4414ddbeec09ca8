package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "checkout"

type ServerMetrics struct {
	registry *prometheus.Registry

	Requests   *prometheus.CounterVec
	LatencyMS  *prometheus.HistogramVec
	Outcomes   *prometheus.CounterVec
	QueueDepth prometheus.GaugeFunc
}

// NewServerMetrics registers the service collectors on a private registry.
// queueDepth may be nil.
func NewServerMetrics(queueDepth func() float64) *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operation_outcomes_total",
		Help:      "Checkout and payment operations by outcome.",
	}, []string{"operation", "outcome"})
	reg.MustRegister(requests, latency, outcomes)

	m := &ServerMetrics{registry: reg, Requests: requests, LatencyMS: latency, Outcomes: outcomes}
	if queueDepth != nil {
		m.QueueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_queue_depth",
			Help:      "Webhook notifications waiting for a worker.",
		}, queueDepth)
		reg.MustRegister(m.QueueDepth)
	}
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Outcome counts one finished operation.
func (m *ServerMetrics) Outcome(operation, outcome string) {
	m.Outcomes.WithLabelValues(operation, outcome).Inc()
}

// Observe records one served request.
func (m *ServerMetrics) Observe(handler string, status int, started time.Time) {
	m.Requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(float64(time.Since(started).Milliseconds()))
}
