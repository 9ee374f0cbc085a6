// Package metrics holds servicedeck's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "servicedeck"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	reg *prometheus.Registry

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	serviceStatus *prometheus.GaugeVec
	execs         *prometheus.CounterVec
	execDuration  *prometheus.HistogramVec
	actions       *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "state_fetches_total",
			Help: "Adapter state fetches by adapter type and resulting status.",
		}, []string{"adapter", "status"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "state_fetch_duration_seconds",
			Help:    "Time spent fetching a single adapter state.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"adapter"}),
		serviceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "service_up",
			Help: "1 when the last observed status of a configured service was ok.",
		}, []string{"key"}),
		execs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "exec_total",
			Help: "External command invocations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "exec_duration_seconds",
			Help:    "Wall time of external command invocations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "control_actions_total",
			Help: "Lifecycle actions by action and result.",
		}, []string{"action", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "status_transitions_total",
			Help: "Observed status changes by new status.",
		}, []string{"to"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "API requests by route and status code.",
		}, []string{"route", "code"}),
	}
	m.reg.MustRegister(
		m.fetches, m.fetchDuration, m.serviceStatus,
		m.execs, m.execDuration, m.actions, m.transitions, m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFetch(adapter, key, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(adapter, status).Inc()
	m.fetchDuration.WithLabelValues(adapter).Observe(d.Seconds())
	if key != "" {
		up := 0.0
		if status == "ok" {
			up = 1
		}
		m.serviceStatus.WithLabelValues(key).Set(up)
	}
}

// ObserveExec implements executor.Observer.
func (m *Metrics) ObserveExec(kind string, exitCode int, timedOut bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case timedOut:
		outcome = "timeout"
	case exitCode < 0:
		outcome = "failed"
	case exitCode != 0:
		outcome = "nonzero"
	}
	m.execs.WithLabelValues(kind, outcome).Inc()
	m.execDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) ObserveAction(action, result string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ObserveHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Forget drops per-service series for keys no longer configured.
func (m *Metrics) Forget(keys []string) {
	if m == nil {
		return
	}
	for _, k := range keys {
		m.serviceStatus.DeleteLabelValues(k)
	}
}
