// ABOUTME: Prometheus metrics for the relay's agent runs, tool calls, channel and queue.
// ABOUTME: A nil *Metrics is valid and records nothing.

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_relay"

// Metrics holds every collector the relay exports.
type Metrics struct {
	registry *prometheus.Registry

	// Agent
	AgentRunsTotal   *prometheus.CounterVec
	AgentRunDuration prometheus.Histogram
	AgentRunRounds   prometheus.Histogram

	// Tool servers
	ToolCallsTotal       *prometheus.CounterVec
	ToolCallDuration     *prometheus.HistogramVec
	ToolServersConnected prometheus.Gauge

	// Channel
	ChannelState      *prometheus.GaugeVec
	ChannelReconnects prometheus.Counter

	// Dispatch
	InboundMessagesTotal *prometheus.CounterVec
	ActiveChains         prometheus.Gauge

	// Admin API
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// channelStates are the values of the coven_relay_channel_state gauge's label.
var channelStates = []string{"disconnected", "connecting", "open"}

// New creates the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.AgentRunsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_runs_total",
		Help:      "Agent runs by outcome",
	}, []string{"outcome"})
	m.AgentRunDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "agent_run_duration_seconds",
		Help:      "Wall time of agent runs",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
	m.AgentRunRounds = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "agent_run_rounds",
		Help:      "Model rounds per agent run",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	})

	m.ToolCallsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool invocations by server and outcome",
	}, []string{"server", "outcome"})
	m.ToolCallDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_call_duration_seconds",
		Help:      "Duration of tool invocations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"server"})
	m.ToolServersConnected = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tool_servers_connected",
		Help:      "Tool servers currently registered",
	})

	m.ChannelState = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channel_state",
		Help:      "1 for the channel's current connection state, 0 otherwise",
	}, []string{"state"})
	m.ChannelReconnects = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_reconnects_total",
		Help:      "Reconnect attempts after a channel close",
	})

	m.InboundMessagesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_messages_total",
		Help:      "Inbound chat messages by filter outcome",
	}, []string{"outcome"})
	m.ActiveChains = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_active_chains",
		Help:      "Conversations with queued or running work",
	})

	m.HTTPRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Admin API requests",
	}, []string{"method", "route", "status"})
	m.HTTPRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Admin API request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.SetChannelState("disconnected")
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRun records one agent run.
func (m *Metrics) ObserveRun(outcome string, rounds int, d time.Duration) {
	if m == nil {
		return
	}
	m.AgentRunsTotal.WithLabelValues(outcome).Inc()
	m.AgentRunDuration.Observe(d.Seconds())
	m.AgentRunRounds.Observe(float64(rounds))
}

// ObserveToolCall records one tool invocation.
func (m *Metrics) ObserveToolCall(serverID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(serverID, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(serverID).Observe(d.Seconds())
}

func (m *Metrics) SetConnectedToolServers(n int) {
	if m == nil {
		return
	}
	m.ToolServersConnected.Set(float64(n))
}

// SetChannelState marks state as the current one.
func (m *Metrics) SetChannelState(state string) {
	if m == nil {
		return
	}
	for _, s := range channelStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ChannelState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) IncChannelReconnects() {
	if m == nil {
		return
	}
	m.ChannelReconnects.Inc()
}

func (m *Metrics) IncInbound(outcome string) {
	if m == nil {
		return
	}
	m.InboundMessagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetActiveChains(n int) {
	if m == nil {
		return
	}
	m.ActiveChains.Set(float64(n))
}

// ObserveHTTPRequest records one admin API request. route is the matched
// route template, not the raw path.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
