// Package metrics exposes the monitor's Prometheus collectors.
//
// # Metric catalogue
//
//	watchtower_observations_total{event}   counter: observations taken off the queue
//	watchtower_matches_total               counter: rule firings
//	watchtower_handler_failures_total      counter: notification handlers that errored or panicked
//	watchtower_persist_errors_total        counter: audit writes that failed
//	watchtower_rule_eval_faults_total      counter: per-rule evaluation faults
//	watchtower_queue_depth                 gauge:   observations waiting for the worker
//	watchtower_outbox_pending              gauge:   webhook deliveries waiting in the outbox
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on a private registry so tests can build
// as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	Observations    *prometheus.CounterVec
	Matches         prometheus.Counter
	HandlerFailures prometheus.Counter
	PersistErrors   prometheus.Counter
	RuleEvalFaults  prometheus.Counter
	QueueDepth      prometheus.Gauge
	OutboxPending   prometheus.Gauge
}

// New registers all collectors, plus the Go runtime and process collectors,
// on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Observations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "watchtower_observations_total",
			Help: "Observations processed by the pipeline worker.",
		}, []string{"event"}),
		Matches: f.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_matches_total",
			Help: "Rule matches raised.",
		}),
		HandlerFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_handler_failures_total",
			Help: "Notification handler invocations that failed.",
		}),
		PersistErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_persist_errors_total",
			Help: "Audit store writes that failed.",
		}),
		RuleEvalFaults: f.NewCounter(prometheus.CounterOpts{
			Name: "watchtower_rule_eval_faults_total",
			Help: "Rules skipped because their evaluation faulted.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "watchtower_queue_depth",
			Help: "Observations waiting for the pipeline worker.",
		}),
		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "watchtower_outbox_pending",
			Help: "Webhook deliveries waiting in the outbox.",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
