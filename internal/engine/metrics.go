package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's instrumentation hooks. A nil *Metrics disables
// collection.
type Metrics struct {
	Spawns   *prometheus.CounterVec
	Active   prometheus.Gauge
	Duration *prometheus.HistogramVec
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "troop",
			Subsystem: "engine",
			Name:      "spawns_total",
			Help:      "Agent invocations by type and terminal status.",
		}, []string{"agent_type", "status"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "troop",
			Subsystem: "engine",
			Name:      "active_agents",
			Help:      "Agents currently holding an execution slot.",
		}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "troop",
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Wall time of agent runs from admission to completion.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"agent_type"}),
	}
	if reg != nil {
		reg.MustRegister(m.Spawns, m.Active, m.Duration)
	}
	return m
}

func (m *Metrics) spawned(agentType, status string) {
	if m == nil {
		return
	}
	m.Spawns.WithLabelValues(agentType, status).Inc()
}

func (m *Metrics) slotAcquired() {
	if m == nil {
		return
	}
	m.Active.Inc()
}

func (m *Metrics) slotReleased() {
	if m == nil {
		return
	}
	m.Active.Dec()
}

func (m *Metrics) observeDuration(agentType string, seconds float64) {
	if m == nil {
		return
	}
	m.Duration.WithLabelValues(agentType).Observe(seconds)
}
