// Package observability exposes the gateway's Prometheus metrics.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's instruments on a private registry so the
// endpoint never leaks collectors registered by dependencies.
type Metrics struct {
	registry *prometheus.Registry

	Requests       *prometheus.CounterVec
	RequestSeconds *prometheus.HistogramVec
	AdmissionWaits *prometheus.CounterVec
	ToolCalls      *prometheus.CounterVec
	ResearchDepth  *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Chat completion requests by execution mode and outcome.",
		}, []string{"mode", "outcome"}),
		RequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Chat completion request duration by execution mode.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"mode"}),
		AdmissionWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admission_waits_total",
			Help: "Requests that had to queue for a research slot.",
		}, []string{"class"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tool_calls_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ResearchDepth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_research_runs_total",
			Help: "Research runs by depth.",
		}, []string{"depth"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Requests,
		m.RequestSeconds,
		m.AdmissionWaits,
		m.ToolCalls,
		m.ResearchDepth,
	)
	return m
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(mode, outcome string, elapsed time.Duration) {
	m.Requests.WithLabelValues(mode, outcome).Inc()
	m.RequestSeconds.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
