package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pipecd/api/internal/events"
)

type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	events     *prometheus.CounterVec
	handler    http.Handler
}

// NewMetrics registers the collectors on reg. Pass a fresh registry in
// tests so runs do not collide.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crm",
			Name:      "operations_total",
			Help:      "GraphQL operations by name and result code.",
		}, []string{"operation", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crm",
			Name:      "operation_duration_seconds",
			Help:      "GraphQL operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crm",
			Name:      "events_emitted_total",
			Help:      "Domain event deliveries by result.",
		}, []string{"event", "result"}),
		handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	reg.MustRegister(m.operations, m.duration, m.events)
	return m
}

func (m *Metrics) ObserveOperation(op, code string, elapsed time.Duration) {
	m.operations.WithLabelValues(op, code).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveEvent matches events.Observer.
func (m *Metrics) ObserveEvent(event events.Event, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.events.WithLabelValues(event.Name, result).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return m.handler
}
