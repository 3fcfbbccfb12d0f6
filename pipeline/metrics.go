package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"blog-notifier/pkg/blog"
)

// Metrics counts notification outcomes. A nil *Metrics records nothing.
type Metrics struct {
	fanouts *prometheus.CounterVec
	jobs    *prometheus.CounterVec
}

// NewMetrics creates the pipeline collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fanouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blog_notify_fanouts_total",
				Help: "Notification fan-outs by delivery mode and outcome.",
			},
			[]string{"delivery", "outcome"},
		),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blog_notify_jobs_total",
				Help: "Per-recipient notification jobs by stage and result.",
			},
			[]string{"stage", "result"},
		),
	}
	reg.MustRegister(m.fanouts, m.jobs)
	return m
}

func (m *Metrics) fanout(delivery blog.Delivery, outcome string) {
	if m == nil {
		return
	}
	m.fanouts.WithLabelValues(string(delivery), outcome).Inc()
}

func (m *Metrics) job(stage, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.jobs.WithLabelValues(stage, result).Add(float64(n))
}
