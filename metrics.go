package steprun

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects step execution counters and durations. Attach one to a
// pipeline with WithMetrics; a single Metrics may be shared by several
// pipelines.
type Metrics struct {
	completions *prometheus.CounterVec
	duration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer to use the process-wide registry, or a
// private registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "steprun",
			Name:      "step_completions_total",
			Help:      "Step executions reaching a terminal state, by pipeline and state.",
		}, []string{"pipeline", "state"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "steprun",
			Name:      "step_duration_seconds",
			Help:      "Wall-clock duration of step work executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.completions, m.duration)
	}
	return m
}

// observe records a step reaching a terminal state. Safe on a nil pipeline
// metrics field.
func (p *Pipeline) observe(s *Step, state State) {
	if p.metrics == nil {
		return
	}
	p.metrics.completions.WithLabelValues(p.Name, string(state)).Inc()
	if s.Result != nil {
		p.metrics.duration.Observe(s.Result.Duration().Seconds())
	}
}
