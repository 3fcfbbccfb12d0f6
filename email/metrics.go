package email

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MeteredProvider decorates a Provider with send counters and latency.
type MeteredProvider struct {
	provider Provider
	duration *prometheus.SummaryVec
	sends    *prometheus.CounterVec
	name     string
}

// NewMeteredProvider wraps p and registers its collectors with reg.
func NewMeteredProvider(name string, p Provider, reg prometheus.Registerer) *MeteredProvider {
	duration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "email_send_duration_seconds",
			Help:       "Email provider send latency in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			MaxAge:     5 * time.Minute,
		},
		[]string{"provider", "status"},
	)
	sends := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_send_total",
			Help: "Emails handed to the provider, by outcome.",
		},
		[]string{"provider", "status"},
	)
	reg.MustRegister(duration, sends)

	return &MeteredProvider{provider: p, duration: duration, sends: sends, name: name}
}

// Send sends through the wrapped provider and records the outcome.
func (m *MeteredProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	start := time.Now()
	err := m.provider.Send(ctx, to, subject, htmlBody)

	status := "success"
	if err != nil {
		status = "failure"
	}
	m.duration.WithLabelValues(m.name, status).Observe(time.Since(start).Seconds())
	m.sends.WithLabelValues(m.name, status).Inc()
	return err
}
