package runlevel

import "github.com/prometheus/client_golang/prometheus"

// metrics instruments the engine. With no registerer configured every
// method is a cheap no-op.
type metrics struct {
	enabled bool

	currentLevel prometheus.Gauge
	jobs         *prometheus.CounterVec
	activations  *prometheus.CounterVec
	destructions *prometheus.CounterVec
	hardCancels  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{}
	if reg == nil {
		return m
	}
	m.enabled = true

	m.currentLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "levelctl_current_level",
		Help: "The run level the system is currently at.",
	})
	m.jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "levelctl_jobs_total",
		Help: "Run level transitions submitted, by direction.",
	}, []string{"direction"})
	m.activations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "levelctl_activations_total",
		Help: "Service activation attempts, by result.",
	}, []string{"result"})
	m.destructions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "levelctl_destructions_total",
		Help: "Service destructions, by result.",
	}, []string{"result"})
	m.hardCancels = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "levelctl_hard_cancels_total",
		Help: "Forced aborts of stuck activations or destructions, by phase.",
	}, []string{"phase"})

	reg.MustRegister(m.currentLevel, m.jobs, m.activations, m.destructions, m.hardCancels)
	return m
}

func (m *metrics) setCurrentLevel(level int) {
	if m.enabled {
		m.currentLevel.Set(float64(level))
	}
}

func (m *metrics) jobSubmitted(direction string) {
	if m.enabled {
		m.jobs.WithLabelValues(direction).Inc()
	}
}

func (m *metrics) activation(result string) {
	if m.enabled {
		m.activations.WithLabelValues(result).Inc()
	}
}

func (m *metrics) destruction(result string) {
	if m.enabled {
		m.destructions.WithLabelValues(result).Inc()
	}
}

func (m *metrics) hardCancel(phase string) {
	if m.enabled {
		m.hardCancels.WithLabelValues(phase).Inc()
	}
}
