// Package metrics holds the Prometheus collectors of the connectivity runtime.
//
// Every method is nil-safe: components take a *Metrics and work unchanged when
// metrics are disabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sitesync"

type Metrics struct {
	reg *prometheus.Registry

	probes        *prometheus.CounterVec
	probeDuration prometheus.Histogram
	connState     *prometheus.GaugeVec
	retryAttempts *prometheus.CounterVec
	retryOutcomes *prometheus.CounterVec
	reinits       *prometheus.CounterVec
	variantIndex  prometheus.Gauge
	subState      *prometheus.GaugeVec
	refreshes     *prometheus.CounterVec
}

// New registers all collectors on a fresh registry (plus Go/process collectors).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "probe", Name: "total",
			Help: "Reachability probes by outcome and error class.",
		}, []string{"outcome", "class"}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "probe", Name: "duration_seconds",
			Help:    "Probe wall time, including timed-out probes.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 3, 5, 10},
		}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connection", Name: "state",
			Help: "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retry", Name: "attempts_total",
			Help: "Operation attempts made by the retry wrapper, by error class of the attempt.",
		}, []string{"class"}),
		retryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retry", Name: "executions_total",
			Help: "Finished retry executions by result.",
		}, []string{"result"}),
		reinits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reinit", Name: "variant_attempts_total",
			Help: "Client rebuild attempts by variant and result.",
		}, []string{"variant", "result"}),
		variantIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "reinit", Name: "variant_index",
			Help: "Index of the last known good client variant.",
		}),
		subState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "subscription", Name: "state",
			Help: "1 for the current state of each named subscription, 0 otherwise.",
		}, []string{"name", "state"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "subscription", Name: "refresh_total",
			Help: "Manual one-shot refreshes by subscription and result.",
		}, []string{"name", "result"}),
	}
	reg.MustRegister(
		m.probes, m.probeDuration, m.connState,
		m.retryAttempts, m.retryOutcomes,
		m.reinits, m.variantIndex,
		m.subState, m.refreshes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveProbe(outcome, class string, d time.Duration) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(outcome, class).Inc()
	m.probeDuration.Observe(d.Seconds())
}

// SetConnectionState sets current to 1 and every other state in all to 0.
func (m *Metrics) SetConnectionState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.connState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ObserveRetryAttempt(class string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(class).Inc()
}

// ObserveRetryResult records how an Execute call ended ("ok", "definitive", "unknown", "exhausted", "canceled").
func (m *Metrics) ObserveRetryResult(result string) {
	if m == nil {
		return
	}
	m.retryOutcomes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveReinit(variant string, ok bool) {
	if m == nil {
		return
	}
	res := "failed"
	if ok {
		res = "ok"
	}
	m.reinits.WithLabelValues(variant, res).Inc()
}

func (m *Metrics) SetVariantIndex(i int) {
	if m == nil {
		return
	}
	m.variantIndex.Set(float64(i))
}

func (m *Metrics) SetSubscriptionState(name, current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.subState.WithLabelValues(name, s).Set(v)
	}
}

func (m *Metrics) ObserveRefresh(name string, ok bool) {
	if m == nil {
		return
	}
	res := "failed"
	if ok {
		res = "ok"
	}
	m.refreshes.WithLabelValues(name, res).Inc()
}
