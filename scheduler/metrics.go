package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics are optional; a Scheduler without them records nothing.
type Metrics struct {
	Units    *prometheus.CounterVec
	Duration prometheus.Histogram
	Runs     *prometheus.CounterVec
}

// NewMetrics creates the scheduler collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polyrisk",
			Subsystem: "scheduler",
			Name:      "units_total",
			Help:      "Score definitions processed, by outcome.",
		}, []string{"status"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "polyrisk",
			Subsystem: "scheduler",
			Name:      "unit_duration_seconds",
			Help:      "Time to load and score one definition.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polyrisk",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Precomputation runs, by final state.",
		}, []string{"state"}),
	}

	if reg != nil {
		reg.MustRegister(m.Units, m.Duration, m.Runs)
	}

	return m
}

func (m *Metrics) unit(status string, seconds float64) {
	if m == nil {
		return
	}
	m.Units.WithLabelValues(status).Inc()
	m.Duration.Observe(seconds)
}

func (m *Metrics) run(state State) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(state.String()).Inc()
}
