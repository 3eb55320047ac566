// ABOUTME: Decodes transport-tagged tool server configs and dials MCP clients from descriptors.
// ABOUTME: The Dialer seam lets tests substitute fake clients for real transports.

package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/coven-relay/internal/mcp"
	"github.com/2389/coven-relay/internal/store"
)

// StdioConfig launches a tool server as a local command.
type StdioConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// HTTPConfig reaches a tool server over streamable HTTP or SSE.
type HTTPConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ParseTransportConfig decodes raw into the shape required by kind.
// The result is either StdioConfig or HTTPConfig.
func ParseTransportConfig(kind store.TransportKind, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, errors.New("config is required")
	}

	switch kind {
	case store.TransportStdio:
		var cfg StdioConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("invalid stdio config: %w", err)
		}
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, errors.New("stdio config requires command")
		}
		return cfg, nil

	case store.TransportHTTP, store.TransportSSE:
		var cfg HTTPConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("invalid %s config: %w", kind, err)
		}
		u, err := url.Parse(cfg.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%s config requires an http(s) url", kind)
		}
		return cfg, nil
	}

	return nil, fmt.Errorf("unknown transport type %q", kind)
}

// Client is the subset of an MCP session the registry depends on.
type Client interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer opens a connected, initialized client for a descriptor.
type Dialer func(ctx context.Context, desc store.ToolServer) (Client, error)

// ClientInfo identifies the relay in MCP handshakes.
var ClientInfo = mcp.Implementation{Name: "coven-relay", Version: "1.0.0"}

// MCPDialer returns a Dialer that builds real MCP transports.
func MCPDialer(httpClient *http.Client, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, desc store.ToolServer) (Client, error) {
		parsed, err := ParseTransportConfig(desc.Transport, desc.Config)
		if err != nil {
			return nil, err
		}

		serverLogger := logger.With("server_id", desc.ID)
		var transport mcp.Transport
		switch cfg := parsed.(type) {
		case StdioConfig:
			transport = mcp.NewProcessTransport(mcp.ProcessConfig{
				Command: cfg.Command,
				Args:    cfg.Args,
				Env:     cfg.Env,
			}, serverLogger)
		case HTTPConfig:
			httpCfg := mcp.HTTPConfig{URL: cfg.URL, Headers: cfg.Headers}
			if desc.Transport == store.TransportSSE {
				transport = mcp.NewSSETransport(httpCfg, httpClient, serverLogger)
			} else {
				transport = mcp.NewStreamableTransport(httpCfg, httpClient, serverLogger)
			}
		}

		client := mcp.NewClient(transport, ClientInfo, serverLogger)
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
}
