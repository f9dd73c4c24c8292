package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeMalformed = "malformed"
	OutcomeUnacked   = "unacked"
)

// Metrics holds the consumer's Prometheus collectors
type Metrics struct {
	deliveries      *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	sessions        prometheus.Counter
	connectionLoss  prometheus.Counter
}

// NewMetrics registers the consumer collectors on reg
func NewMetrics(reg prometheus.Registerer, domain string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"domain": domain}

	return &Metrics{
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "taskrouter",
			Subsystem:   "consumer",
			Name:        "deliveries_total",
			Help:        "Deliveries handled by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		handlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "taskrouter",
			Subsystem:   "consumer",
			Name:        "handler_duration_seconds",
			Help:        "Handler execution time per operation.",
			ConstLabels: labels,
			Buckets:     []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"operation", "result"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "taskrouter",
			Subsystem:   "consumer",
			Name:        "in_flight",
			Help:        "Deliveries currently being handled.",
			ConstLabels: labels,
		}),
		sessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "taskrouter",
			Subsystem:   "consumer",
			Name:        "sessions_total",
			Help:        "Consumer sessions started, one per broker handle.",
			ConstLabels: labels,
		}),
		connectionLoss: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "taskrouter",
			Subsystem:   "consumer",
			Name:        "connection_losses_total",
			Help:        "Broker connections or channels lost.",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) outcome(o string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(o).Inc()
}

func (m *Metrics) observeHandler(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.handlerDuration.WithLabelValues(operation, result).Observe(d.Seconds())
}

func (m *Metrics) begin() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

func (m *Metrics) session() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// ConnectionLost counts one lost broker session. It is meant for
// rabbitmq.Manager.OnChannelError.
func (m *Metrics) ConnectionLost(error) {
	if m == nil {
		return
	}
	m.connectionLoss.Inc()
}
