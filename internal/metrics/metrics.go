// Package metrics exposes pipeline counters as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Suppression reasons.
const (
	ReasonSampled   = "sampled_out"
	ReasonThrottled = "throttled"
	ReasonConsent   = "consent"
)

type Metrics struct {
	Tracked             *prometheus.CounterVec
	Suppressed          *prometheus.CounterVec
	Dropped             prometheus.Counter
	BatchesSent         *prometheus.CounterVec
	TransmissionFailure *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
}

// New registers the collectors on reg. A nil reg gets a private registry so
// several pipelines can coexist in one process.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Tracked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_events_tracked_total",
			Help: "Events that passed sampling and throttling.",
		}, []string{"event"}),
		Suppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_events_suppressed_total",
			Help: "Events not enqueued, by reason.",
		}, []string{"reason"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "pulse_events_dropped_total",
			Help: "Queued events evicted because the queue was full.",
		}),
		BatchesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_batches_sent_total",
			Help: "Batches handed to the transport, by mode.",
		}, []string{"mode"}),
		TransmissionFailure: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_transmission_failures_total",
			Help: "Batches the transport failed to deliver, by mode.",
		}, []string{"mode"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_queue_depth",
			Help: "Events waiting to be flushed.",
		}),
	}
}
