package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus collectors. Each pipeline instance
// owns its own registry so tests can run several pipelines side by side.
type Metrics struct {
	Registry *prometheus.Registry

	EndpointUp        *prometheus.GaugeVec
	EndpointLatency   *prometheus.GaugeVec
	HealthTransitions *prometheus.CounterVec

	CursorPosition   *prometheus.GaugeVec
	WindowsProcessed *prometheus.CounterVec

	EventsCanonical *prometheus.CounterVec
	EventsDeduped   *prometheus.CounterVec

	QueueWaiting     prometheus.Gauge
	QueueInFlight    prometheus.Gauge
	JobsCompleted    prometheus.Counter
	JobsRetried      prometheus.Counter
	JobsDeadLettered prometheus.Counter

	EventsScored    *prometheus.CounterVec
	AlertsNotified  *prometheus.CounterVec
	PersistFailures prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		EndpointUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chainwatch_endpoint_up",
			Help: "1 if the endpoint is healthy, 0 otherwise.",
		}, []string{"source", "url"}),
		EndpointLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chainwatch_endpoint_latency_seconds",
			Help: "Last probe latency per endpoint.",
		}, []string{"source", "url"}),
		HealthTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainwatch_endpoint_health_transitions_total",
			Help: "Endpoint health transitions by direction.",
		}, []string{"source", "url", "to"}),
		CursorPosition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chainwatch_listener_cursor",
			Help: "Last committed cursor position per listener.",
		}, []string{"source", "subscription"}),
		WindowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainwatch_listener_windows_total",
			Help: "Processed polling windows by result.",
		}, []string{"source", "subscription", "result"}),
		EventsCanonical: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainwatch_events_canonicalized_total",
			Help: "Canonicalizer outcomes per source.",
		}, []string{"source", "result"}),
		EventsDeduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainwatch_events_deduplicated_total",
			Help: "Events dropped by the dedup gate per source.",
		}, []string{"source"}),
		QueueWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainwatch_queue_waiting",
			Help: "Jobs waiting in the dispatch queue.",
		}),
		QueueInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainwatch_queue_inflight",
			Help: "Jobs currently held by scoring workers.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainwatch_queue_jobs_completed_total",
			Help: "Jobs completed successfully.",
		}),
		JobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainwatch_queue_jobs_retried_total",
			Help: "Job retry attempts.",
		}),
		JobsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainwatch_queue_jobs_dead_lettered_total",
			Help: "Jobs moved to the dead-letter record.",
		}),
		EventsScored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainwatch_events_scored_total",
			Help: "Scored events by alert decision.",
		}, []string{"alert"}),
		AlertsNotified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainwatch_alerts_notified_total",
			Help: "Alert notification attempts by result.",
		}, []string{"result"}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainwatch_persist_failures_total",
			Help: "Scored-event persistence failures.",
		}),
	}

	reg.MustRegister(
		m.EndpointUp, m.EndpointLatency, m.HealthTransitions,
		m.CursorPosition, m.WindowsProcessed,
		m.EventsCanonical, m.EventsDeduped,
		m.QueueWaiting, m.QueueInFlight,
		m.JobsCompleted, m.JobsRetried, m.JobsDeadLettered,
		m.EventsScored, m.AlertsNotified, m.PersistFailures,
	)
	return m
}
