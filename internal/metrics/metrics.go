// Package metrics holds the prometheus collectors shared by relaybot
// components. Each process builds one Metrics on its own registry so tests
// never collide on the global default registerer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	DispatchTotal    *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	InboundTotal     *prometheus.CounterVec
	RouteDecisions   *prometheus.CounterVec
	JobFires         *prometheus.CounterVec
	Publishes        *prometheus.CounterVec
	RecordingErrors  prometheus.Counter
	ActiveSessions   prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybot", Name: "dispatch_total",
			Help: "Outbound sends by result.",
		}, []string{"result"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaybot", Name: "dispatch_duration_seconds",
			Help:    "Transport send latency.",
			Buckets: prometheus.DefBuckets,
		}),
		InboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybot", Name: "inbound_total",
			Help: "Inbound messages by type.",
		}, []string{"type"}),
		RouteDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybot", Name: "route_decisions_total",
			Help: "Routing decisions by action and rule.",
		}, []string{"action", "rule"}),
		JobFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybot", Name: "scheduler_fires_total",
			Help: "Scheduled job fires by result.",
		}, []string{"result"}),
		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaybot", Name: "pubsub_deliveries_total",
			Help: "Topic deliveries by result.",
		}, []string{"result"}),
		RecordingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaybot", Name: "recording_errors_total",
			Help: "Failed recording appends.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaybot", Name: "conversations_active",
			Help: "Conversations opened minus closed by this process.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.DispatchTotal, m.DispatchDuration, m.InboundTotal, m.RouteDecisions,
		m.JobFires, m.Publishes, m.RecordingErrors, m.ActiveSessions,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
