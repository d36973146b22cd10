// Package metrics holds the Prometheus collectors of the consultation service.
// A nil *Metrics is valid and records nothing, so components can run without it in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ModelCallsTotal     *prometheus.CounterVec
	ModelCallDuration   *prometheus.HistogramVec
	QuotaRejections     *prometheus.CounterVec
	RateLimitRejections prometheus.Counter
	UsageRecorded       prometheus.Counter
	HandoffsTotal       *prometheus.CounterVec
	LiveSessionsActive  prometheus.Gauge
	LiveEventsDropped   *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ehosp"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ModelCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_calls_total",
				Help:      "Model invocations by call kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ModelCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_call_duration_seconds",
				Help:      "Model invocation latency in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"kind"},
		),
		QuotaRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_rejections_total",
				Help:      "Billable calls rejected by the daily quota",
			},
			[]string{"plan"},
		),
		RateLimitRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_rejections_total",
				Help:      "Model calls rejected by the global rate window",
			},
		),
		UsageRecorded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_recorded_total",
				Help:      "Billable calls committed to the daily usage records",
			},
		),
		HandoffsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handoffs_total",
				Help:      "Specialist hand-offs by channel, origin and destination",
			},
			[]string{"channel", "from", "to"},
		),
		LiveSessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_sessions_active",
				Help:      "Number of open live consultation sessions",
			},
		),
		LiveEventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "live_events_throttled_total",
				Help:      "Live events dropped by the per-stream cool-down",
			},
			[]string{"stream"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ModelCallsTotal,
		m.ModelCallDuration,
		m.QuotaRejections,
		m.RateLimitRejections,
		m.UsageRecorded,
		m.HandoffsTotal,
		m.LiveSessionsActive,
		m.LiveEventsDropped,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordModelCall(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ModelCallsTotal.WithLabelValues(kind, outcome).Inc()
	m.ModelCallDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) RecordQuotaRejection(plan string) {
	if m == nil {
		return
	}
	m.QuotaRejections.WithLabelValues(plan).Inc()
}

func (m *Metrics) RecordRateLimitRejection() {
	if m == nil {
		return
	}
	m.RateLimitRejections.Inc()
}

func (m *Metrics) RecordUsage() {
	if m == nil {
		return
	}
	m.UsageRecorded.Inc()
}

func (m *Metrics) RecordHandoff(channel, from, to string) {
	if m == nil {
		return
	}
	m.HandoffsTotal.WithLabelValues(channel, from, to).Inc()
}

func (m *Metrics) RecordLiveSessionStart() {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Inc()
}

func (m *Metrics) RecordLiveSessionEnd() {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Dec()
}

func (m *Metrics) RecordThrottled(stream string) {
	if m == nil {
		return
	}
	m.LiveEventsDropped.WithLabelValues(stream).Inc()
}
