package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes monitor activity to Prometheus.
type Metrics struct {
	healthChecks        *prometheus.CounterVec
	recoveries          *prometheus.CounterVec
	consecutiveFailures *prometheus.GaugeVec
	restartsLastHour    *prometheus.GaugeVec
}

// NewMetrics creates the monitor collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookrelay",
			Subsystem: "tunnel",
			Name:      "health_checks_total",
			Help:      "Tunnel health checks by result (healthy, unhealthy, skipped).",
		}, []string{"provider", "result"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookrelay",
			Subsystem: "tunnel",
			Name:      "recoveries_total",
			Help:      "Tunnel recovery attempts by outcome.",
		}, []string{"provider", "outcome"}),
		consecutiveFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hookrelay",
			Subsystem: "tunnel",
			Name:      "consecutive_failures",
			Help:      "Failures since the last healthy check or successful recovery.",
		}, []string{"provider"}),
		restartsLastHour: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hookrelay",
			Subsystem: "tunnel",
			Name:      "restarts_last_hour",
			Help:      "Successful tunnel restarts within the last hour.",
		}, []string{"provider"}),
	}

	reg.MustRegister(m.healthChecks, m.recoveries, m.consecutiveFailures, m.restartsLastHour)
	return m
}

func (m *Metrics) observeCheck(provider, result string) {
	if m == nil {
		return
	}
	m.healthChecks.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) observeRecovery(provider, outcome string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) setFailures(provider string, n int) {
	if m == nil {
		return
	}
	m.consecutiveFailures.WithLabelValues(provider).Set(float64(n))
}

func (m *Metrics) setRestarts(provider string, n int) {
	if m == nil {
		return
	}
	m.restartsLastHour.WithLabelValues(provider).Set(float64(n))
}
