// Package observability holds the hub's Prometheus metrics and OpenTelemetry
// tracer.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects hub metrics on its own registry. A nil *Metrics is valid
// and records nothing.
//
// It satisfies emitter.Observer and engine.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// MessagesRouted counts inbound messages.
	// Labels: type (canonical type or "unknown"), outcome
	MessagesRouted *prometheus.CounterVec

	// RouteDuration measures Route latency in seconds.
	// Labels: outcome
	RouteDuration *prometheus.HistogramVec

	// Deliveries counts outbound sends.
	// Labels: result (delivered|failed)
	Deliveries *prometheus.CounterVec

	// RunsStarted counts runs that reached the started state.
	RunsStarted prometheus.Counter

	// RunsFinished counts runs by terminal state.
	// Labels: state (completed|failed)
	RunsFinished *prometheus.CounterVec

	// RunDuration measures run lifetime in seconds.
	// Labels: state
	RunDuration *prometheus.HistogramVec

	// ActiveRuns is the number of runs not yet terminal.
	ActiveRuns prometheus.Gauge

	// ToolCalls counts tool invocations.
	// Labels: tool, status (success|error)
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool latency in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// Connections is the number of open WebSocket connections.
	Connections prometheus.Gauge

	// ConnectionsRejected counts refused upgrades.
	// Labels: reason (unauthorized|limit)
	ConnectionsRejected *prometheus.CounterVec

	// RateLimited counts inbound frames dropped by the per-connection limiter.
	RateLimited prometheus.Counter

	// Broadcasts counts per-member broadcast deliveries.
	// Labels: group, result (delivered|failed)
	Broadcasts *prometheus.CounterVec
}

// NewMetrics creates the hub metrics on a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		MessagesRouted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_messages_routed_total",
				Help: "Inbound messages by canonical type and routing outcome",
			},
			[]string{"type", "outcome"},
		),
		RouteDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_route_duration_seconds",
				Help:    "Time spent routing one inbound message",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"outcome"},
		),
		Deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_deliveries_total",
				Help: "Outbound message deliveries by result",
			},
			[]string{"result"},
		),
		RunsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "conduit_runs_started_total",
			Help: "Runs that reached the started state",
		}),
		RunsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_runs_finished_total",
				Help: "Runs by terminal state",
			},
			[]string{"state"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_run_duration_seconds",
				Help:    "Run lifetime from start to terminal state",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"state"},
		),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_active_runs",
			Help: "Runs currently executing",
		}),
		ToolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_tool_calls_total",
				Help: "Tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_tool_duration_seconds",
				Help:    "Tool execution time",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_connections",
			Help: "Open WebSocket connections",
		}),
		ConnectionsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_connections_rejected_total",
				Help: "Refused WebSocket upgrades by reason",
			},
			[]string{"reason"},
		),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "conduit_rate_limited_total",
			Help: "Inbound frames dropped by the per-connection rate limiter",
		}),
		Broadcasts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_broadcast_deliveries_total",
				Help: "Broadcast deliveries by group and result",
			},
			[]string{"group", "result"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MessageRouted records one Route call.
func (m *Metrics) MessageRouted(msgType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if msgType == "" {
		msgType = "unknown"
	}
	m.MessagesRouted.WithLabelValues(msgType, outcome).Inc()
	m.RouteDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveDelivery records one outbound send.
func (m *Metrics) ObserveDelivery(delivered bool) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(result(delivered)).Inc()
}

// RunStarted records a run entering the started state.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Inc()
	m.ActiveRuns.Inc()
}

// RunFinished records a run reaching a terminal state.
func (m *Metrics) RunFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunsFinished.WithLabelValues(state).Inc()
	m.RunDuration.WithLabelValues(state).Observe(d.Seconds())
}

// ToolFinished records one tool call.
func (m *Metrics) ToolFinished(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ConnectionOpened records an accepted WebSocket connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

// ConnectionClosed records a closed WebSocket connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

// ConnectionRejected records a refused upgrade.
func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsRejected.WithLabelValues(reason).Inc()
}

// FrameRateLimited records a dropped inbound frame.
func (m *Metrics) FrameRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// BroadcastPublished records the outcome of one publish.
func (m *Metrics) BroadcastPublished(group string, delivered, failed int) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(group, "delivered").Add(float64(delivered))
	m.Broadcasts.WithLabelValues(group, "failed").Add(float64(failed))
}

func result(ok bool) string {
	if ok {
		return "delivered"
	}
	return "failed"
}
