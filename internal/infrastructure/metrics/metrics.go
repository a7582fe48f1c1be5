// Package metrics exposes Prometheus instrumentation for the automation
// service: execution outcomes, trigger fan-out and HTTP traffic.
//
// Each Registry owns its own prometheus.Registry so tests and multiple
// instances never collide on the global default registerer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

const namespace = "graylogic_automation"

// Registry holds the service's collectors.
type Registry struct {
	reg *prometheus.Registry

	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	ActionFailuresTotal *prometheus.CounterVec
	TriggersTotal       *prometheus.CounterVec
	TriggerMatchedRules *prometheus.HistogramVec
	TriggerStartedTotal *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewRegistry creates a registry with Go runtime and process collectors
// plus the automation collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		ExecutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Rule executions by terminal status",
			},
			[]string{"rule_id", "status"},
		),
		ExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of rule executions",
				Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"rule_id"},
		),
		ActionFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_failures_total",
				Help:      "Failed actions by action type",
			},
			[]string{"type"},
		),
		TriggersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triggers_total",
				Help:      "Named trigger firings",
			},
			[]string{"trigger"},
		),
		TriggerMatchedRules: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "trigger_matched_rules",
				Help:      "Number of rules matched per trigger firing",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50},
			},
			[]string{"trigger"},
		),
		TriggerStartedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trigger_started_executions_total",
				Help:      "Executions started by trigger fan-out",
			},
			[]string{"trigger"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// RecordExecution implements automation.MetricsRecorder.
func (r *Registry) RecordExecution(rule *automation.Rule, exec *automation.Execution) {
	if !exec.Status.IsTerminal() {
		return
	}
	r.ExecutionsTotal.WithLabelValues(rule.ID, string(exec.Status)).Inc()
	if exec.DurationMS != nil {
		r.ExecutionDuration.WithLabelValues(rule.ID).Observe(float64(*exec.DurationMS) / 1000)
	}
	for _, res := range exec.ActionResults {
		if !res.Success {
			r.ActionFailuresTotal.WithLabelValues(res.Type).Inc()
		}
	}
}

// RecordTrigger implements automation.MetricsRecorder.
func (r *Registry) RecordTrigger(trigger string, matched, started int) {
	r.TriggersTotal.WithLabelValues(trigger).Inc()
	r.TriggerMatchedRules.WithLabelValues(trigger).Observe(float64(matched))
	r.TriggerStartedTotal.WithLabelValues(trigger).Add(float64(started))
}

// ObserveHTTP records one served request. route is the routing pattern,
// not the raw path, to keep label cardinality bounded.
func (r *Registry) ObserveHTTP(method, route string, status int, d time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
