package versionmgr

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Transitions *prometheus.CounterVec
}

// NewMetrics creates the version manager collectors and registers them with
// reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polyrisk",
			Subsystem: "catalog",
			Name:      "transitions_total",
			Help:      "Catalog version transitions, by audit outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(m.Transitions)
	}

	return m
}

func (m *Metrics) outcome(outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(outcome).Inc()
}
