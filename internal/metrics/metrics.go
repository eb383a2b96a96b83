// Package metrics defines the Prometheus collectors for the chat client and
// the development server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tutorchat"

// ClientMetrics counts stream and turn activity on the client side.
// A nil *ClientMetrics is valid and records nothing.
type ClientMetrics struct {
	lines   *prometheus.CounterVec
	streams *prometheus.CounterVec
	tools   *prometheus.CounterVec
	turns   *prometheus.CounterVec
}

// NewClientMetrics creates and registers the client collectors.
func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	m := &ClientMetrics{
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "stream_lines_total",
			Help:      "Protocol lines processed, by kind.",
		}, []string{"kind"}),
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "streams_total",
			Help:      "Chat streams finished, by how they ended.",
		}, []string{"outcome"}),
		tools: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "tool_calls_total",
			Help:      "Tool invocations announced by the stream.",
		}, []string{"tool"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "turns_total",
			Help:      "Turn reconciliation results.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.lines, m.streams, m.tools, m.turns)
	}
	return m
}

// ObserveLine counts one classified protocol line.
func (m *ClientMetrics) ObserveLine(kind string) {
	if m == nil {
		return
	}
	m.lines.WithLabelValues(kind).Inc()
}

// ObserveStream counts a finished stream.
func (m *ClientMetrics) ObserveStream(outcome string) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(outcome).Inc()
}

// ObserveTool counts a tool invocation.
func (m *ClientMetrics) ObserveTool(name string) {
	if m == nil {
		return
	}
	if name == "" {
		name = "unknown"
	}
	m.tools.WithLabelValues(name).Inc()
}

// ObserveTurn counts a reconciliation result.
func (m *ClientMetrics) ObserveTurn(result string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(result).Inc()
}

// ServerMetrics counts requests handled by the development server.
type ServerMetrics struct {
	streams      *prometheus.CounterVec
	turnsStored  prometheus.Counter
	historyReads prometheus.Counter
	rateLimited  prometheus.Counter
}

// NewServerMetrics creates and registers the server collectors.
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	m := &ServerMetrics{
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "streams_total",
			Help:      "Chat streams served, by transport.",
		}, []string{"transport"}),
		turnsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "turns_stored_total",
			Help:      "Chat turns appended to history.",
		}),
		historyReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "history_reads_total",
			Help:      "Chat history requests served.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "rate_limited_total",
			Help:      "Chat stream requests rejected by the rate limiter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.streams, m.turnsStored, m.historyReads, m.rateLimited)
	}
	return m
}

// ObserveStream counts one served stream.
func (m *ServerMetrics) ObserveStream(transport string) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(transport).Inc()
}

// ObserveTurnStored counts one appended turn.
func (m *ServerMetrics) ObserveTurnStored() {
	if m == nil {
		return
	}
	m.turnsStored.Inc()
}

// ObserveHistoryRead counts one history request.
func (m *ServerMetrics) ObserveHistoryRead() {
	if m == nil {
		return
	}
	m.historyReads.Inc()
}

// ObserveRateLimited counts one rejected request.
func (m *ServerMetrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
