package supervisor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the supervisor's Prometheus collectors
type Metrics struct {
	running  *prometheus.GaugeVec
	restarts *prometheus.CounterVec
	exits    *prometheus.CounterVec
}

// NewMetrics registers the supervisor collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		running: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskrouter",
			Subsystem: "supervisor",
			Name:      "children_running",
			Help:      "Worker processes currently running.",
		}, []string{"domain"}),
		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Worker processes restarted after an unexpected exit.",
		}, []string{"domain"}),
		exits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrouter",
			Subsystem: "supervisor",
			Name:      "child_exits_total",
			Help:      "Worker process exits by exit code.",
		}, []string{"domain", "code"}),
	}
}

func (m *Metrics) started(domain string) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(domain).Inc()
}

func (m *Metrics) exited(domain string, code int) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(domain).Dec()
	m.exits.WithLabelValues(domain, strconv.Itoa(code)).Inc()
}

func (m *Metrics) restarted(domain string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(domain).Inc()
}
