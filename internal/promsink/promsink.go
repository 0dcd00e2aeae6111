// Package promsink exports session lifecycle metrics to Prometheus.
package promsink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink implements sessions.MetricsSink on top of two metric vectors keyed by
// event name.
type Sink struct {
	events       *prometheus.CounterVec
	observations *prometheus.HistogramVec
}

// New registers the sink's collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Sink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Sink{
		// events counts session lifecycle events by name and reason
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "session_scope_events_total",
			Help: "Session lifecycle events by name and reason",
		}, []string{"name", "reason"}),

		// observations tracks numeric samples such as session lifetime
		observations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "session_scope_observations",
			Help:    "Session lifecycle observations by name",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1s to ~3d
		}, []string{"name"}),
	}
}

func (s *Sink) IncCounter(name string, tags map[string]string) {
	s.events.WithLabelValues(name, tags["reason"]).Inc()
}

func (s *Sink) ObserveHistogram(name string, value float64, tags map[string]string) {
	s.observations.WithLabelValues(name).Observe(value)
}
