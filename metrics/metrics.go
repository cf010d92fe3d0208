// Package metrics exposes Prometheus instruments for the orchestration
// layer. A Metrics value is constructed once at composition time and passed
// to the components that record into it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the orchestration layer's Prometheus instruments.
type Metrics struct {
	TasksSubmitted   *prometheus.CounterVec
	TasksFinished    *prometheus.CounterVec
	EventsPublished  *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ChannelSessions  prometheus.Gauge
	AgentRestarts    *prometheus.CounterVec
	RateLimitRejects prometheus.Counter
}

// New registers the instrument set with reg and returns it.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weave_tasks_submitted_total",
			Help: "Tasks admitted by the dispatcher.",
		}, []string{"archetype", "action"}),
		TasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weave_tasks_finished_total",
			Help: "Tasks reaching a terminal state.",
		}, []string{"archetype", "state"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weave_events_published_total",
			Help: "Realtime envelopes published to the channel hub.",
		}, []string{"type"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weave_http_request_duration_seconds",
			Help:    "Gateway request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "status"}),
		ChannelSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "weave_channel_sessions",
			Help: "Live client sessions on the realtime channel.",
		}),
		AgentRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weave_agent_restarts_total",
			Help: "Supervised agent restarts by archetype.",
		}, []string{"archetype"}),
		RateLimitRejects: factory.NewCounter(prometheus.CounterOpts{
			Name: "weave_rate_limit_rejects_total",
			Help: "Requests rejected by the gateway rate limiter.",
		}),
	}
}
