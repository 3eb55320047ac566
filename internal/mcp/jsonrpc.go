// ABOUTME: JSON-RPC 2.0 message types and MCP payloads used by the tool-server client.
// ABOUTME: One Message type carries requests, notifications and responses in both directions.

package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ProtocolVersion is the MCP revision the client requests during initialize.
const ProtocolVersion = "2025-03-26"

const jsonrpcVersion = "2.0"

// ErrClosed is returned by calls on a transport that has shut down.
var ErrClosed = errors.New("transport closed")

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// Message is a JSON-RPC 2.0 request, notification or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// isResponse reports whether the message answers an earlier request.
func (m *Message) isResponse() bool {
	return len(m.ID) > 0 && m.Method == ""
}

// isRequest reports whether the message is a request expecting an answer.
func (m *Message) isRequest() bool {
	return len(m.ID) > 0 && m.Method != ""
}

// idKey returns a comparable form of the message ID.
func (m *Message) idKey() string {
	return string(m.ID)
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func newRequest(id int64, method string, params any) (*Message, error) {
	msg, err := newNotification(method, params)
	if err != nil {
		return nil, err
	}
	msg.ID = json.RawMessage(strconv.FormatInt(id, 10))
	return msg, nil
}

func newNotification(method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: jsonrpcVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// replyTo builds the answer to a server-initiated request. Only ping is
// supported; anything else is refused with method-not-found.
func replyTo(req *Message) *Message {
	resp := &Message{JSONRPC: jsonrpcVersion, ID: req.ID}
	if req.Method == "ping" {
		resp.Result = json.RawMessage(`{}`)
		return resp
	}
	resp.Error = &RPCError{Code: JSONRPCMethodNotFound, Message: "method not found: " + req.Method}
	return resp
}

// MCP-specific types

// Implementation names a client or server in the initialize handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      Implementation  `json:"serverInfo"`
}

// Tool is a tool definition as reported by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type listToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// CallToolResult is the result of tools/call.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one part of a tool result. Text parts carry Text; image parts
// carry base64 Data and MimeType. Other kinds are decoded with only Type set.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}
