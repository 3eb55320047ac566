// ABOUTME: MCP client speaking JSON-RPC over a pluggable transport.
// ABOUTME: Performs the initialize handshake, lists tools and calls them.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// maxToolPages bounds tools/list pagination against servers that never stop paging.
const maxToolPages = 100

// Transport moves JSON-RPC messages between the client and one tool server.
type Transport interface {
	// Start opens the connection. ctx bounds only the connection phase.
	Start(ctx context.Context) error
	// RoundTrip sends a request and waits for its response.
	RoundTrip(ctx context.Context, msg *Message) (*Message, error)
	// Notify sends a message that expects no response.
	Notify(ctx context.Context, msg *Message) error
	Close() error
}

// protocolVersionSetter is implemented by transports that must echo the
// negotiated protocol version on every request.
type protocolVersionSetter interface {
	SetProtocolVersion(version string)
}

// Client is a connected MCP session with one tool server.
type Client struct {
	transport Transport
	info      Implementation
	server    Implementation
	nextID    atomic.Int64
	logger    *slog.Logger
}

// NewClient wraps a transport. Call Connect before using the client.
func NewClient(transport Transport, info Implementation, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		transport: transport,
		info:      info,
		logger:    logger.With("component", "mcp-client"),
	}
}

// Connect starts the transport and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Start(ctx); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}

	var result initializeResult
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      c.info,
	}
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	if setter, ok := c.transport.(protocolVersionSetter); ok && result.ProtocolVersion != "" {
		setter.SetProtocolVersion(result.ProtocolVersion)
	}
	c.server = result.ServerInfo

	note, err := newNotification("notifications/initialized", nil)
	if err != nil {
		_ = c.transport.Close()
		return err
	}
	if err := c.transport.Notify(ctx, note); err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("sending initialized notification: %w", err)
	}

	c.logger.Debug("session initialized",
		"server", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion,
	)
	return nil
}

// ServerInfo returns the server identity reported during initialize.
func (c *Client) ServerInfo() Implementation {
	return c.server
}

// ListTools returns every tool the server offers, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for page := 0; page < maxToolPages; page++ {
		var result listToolsResult
		if err := c.call(ctx, "tools/list", listToolsParams{Cursor: cursor}, &result); err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
	return nil, fmt.Errorf("tools/list: more than %d pages", maxToolPages)
}

// CallTool invokes a tool by its server-local name.
// A tool-level failure is reported through CallToolResult.IsError, not err.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	var result CallToolResult
	if err := c.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return &result, nil
}

// Close ends the session and releases the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	req, err := newRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return err
	}

	resp, err := c.transport.RoundTrip(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}
