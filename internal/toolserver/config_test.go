// ABOUTME: Tests for transport config parsing and the MCP dialer.
// ABOUTME: The dialer test runs a real streamable HTTP session against httptest.

package toolserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
)

func TestParseTransportConfig(t *testing.T) {
	t.Run("stdio", func(t *testing.T) {
		cfg, err := ParseTransportConfig(store.TransportStdio,
			json.RawMessage(`{"command":"npx","args":["-y","server"],"env":{"TOKEN":"x"}}`))
		require.NoError(t, err)
		stdio, ok := cfg.(StdioConfig)
		require.True(t, ok)
		assert.Equal(t, "npx", stdio.Command)
		assert.Equal(t, []string{"-y", "server"}, stdio.Args)
		assert.Equal(t, map[string]string{"TOKEN": "x"}, stdio.Env)
	})

	t.Run("http and sse share a shape", func(t *testing.T) {
		for _, kind := range []store.TransportKind{store.TransportHTTP, store.TransportSSE} {
			cfg, err := ParseTransportConfig(kind,
				json.RawMessage(`{"url":"https://tools.example.com/mcp","headers":{"Authorization":"Bearer t"}}`))
			require.NoError(t, err)
			httpCfg, ok := cfg.(HTTPConfig)
			require.True(t, ok)
			assert.Equal(t, "https://tools.example.com/mcp", httpCfg.URL)
			assert.Equal(t, "Bearer t", httpCfg.Headers["Authorization"])
		}
	})

	errorCases := []struct {
		name string
		kind store.TransportKind
		raw  string
	}{
		{"empty config", store.TransportStdio, ``},
		{"stdio without command", store.TransportStdio, `{"args":["x"]}`},
		{"stdio bad json", store.TransportStdio, `{`},
		{"http without url", store.TransportHTTP, `{}`},
		{"http non-http scheme", store.TransportHTTP, `{"url":"ftp://example.com"}`},
		{"sse relative url", store.TransportSSE, `{"url":"/sse"}`},
		{"unknown kind", store.TransportKind("grpc"), `{"url":"http://x"}`},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTransportConfig(tc.kind, json.RawMessage(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestMCPDialer_Streamable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.ID) == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{"protocolVersion": "2025-03-26", "serverInfo": map[string]any{"name": "t", "version": "1"}}
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{{"name": "ping"}}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	defer srv.Close()

	r := NewRegistry(Config{Dialer: MCPDialer(srv.Client(), quietLogger()), Logger: quietLogger()})
	defer r.ShutdownAll()

	desc := store.ToolServer{
		ID:        "remote",
		Transport: store.TransportHTTP,
		Config:    json.RawMessage(`{"url":"` + srv.URL + `"}`),
	}
	require.NoError(t, r.AddServer(context.Background(), desc))

	tools := r.AllTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "remote__ping", tools[0].QualifiedName)
}

func TestMCPDialer_InvalidConfig(t *testing.T) {
	r := NewRegistry(Config{Dialer: MCPDialer(nil, quietLogger()), Logger: quietLogger()})
	err := r.AddServer(context.Background(), store.ToolServer{
		ID:        "bad",
		Transport: store.TransportStdio,
		Config:    json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, ErrConnect)
	assert.Empty(t, r.ConnectedIDs())
}
