// ABOUTME: Tests for the relay's Prometheus metrics.
// ABOUTME: Checks recorded values with testutil and the nil-receiver behaviour.

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservers(t *testing.T) {
	m := New()

	m.ObserveRun("success", 3, 2*time.Second)
	m.ObserveToolCall("web", "success", 10*time.Millisecond)
	m.ObserveToolCall("web", "timeout", 30*time.Second)
	m.SetConnectedToolServers(2)
	m.IncChannelReconnects()
	m.IncInbound("accepted")
	m.IncInbound("duplicate")
	m.IncInbound("accepted")
	m.SetActiveChains(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AgentRunsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("web", "timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ToolServersConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChannelReconnects))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.InboundMessagesTotal.WithLabelValues("accepted")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ActiveChains))
}

func TestChannelStateIsExclusive(t *testing.T) {
	m := New()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChannelState.WithLabelValues("disconnected")))

	m.SetChannelState("open")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ChannelState.WithLabelValues("disconnected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ChannelState.WithLabelValues("connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChannelState.WithLabelValues("open")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRun("error", 1, time.Second)
		m.ObserveToolCall("x", "error", time.Second)
		m.SetConnectedToolServers(1)
		m.SetChannelState("open")
		m.IncChannelReconnects()
		m.IncInbound("accepted")
		m.SetActiveChains(1)
		m.ObserveHTTPRequest("GET", "/health", 200, time.Millisecond)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("GET", "/api/settings", 200, 5*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `coven_relay_http_requests_total{method="GET",route="/api/settings",status="200"} 1`)
	assert.Contains(t, string(body), "coven_relay_channel_state")
	assert.Contains(t, string(body), "go_goroutines")
}
