// ABOUTME: Streamable HTTP transport: every message is a POST to a single endpoint.
// ABOUTME: Responses come back as a JSON body or as an event stream on the same request.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"time"
)

// Header names used by the streamable HTTP transport.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "MCP-Protocol-Version"
)

// StreamableTransport implements the streamable HTTP transport.
type StreamableTransport struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger

	mu        sync.RWMutex
	sessionID string
	protocol  string
	closed    bool
}

// NewStreamableTransport creates a streamable HTTP transport.
func NewStreamableTransport(cfg HTTPConfig, client *http.Client, logger *slog.Logger) *StreamableTransport {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamableTransport{cfg: cfg, client: client, logger: logger}
}

// Start is a no-op; the session is established by the initialize request.
func (t *StreamableTransport) Start(_ context.Context) error {
	if t.cfg.URL == "" {
		return fmt.Errorf("url is required")
	}
	return nil
}

// SetProtocolVersion records the negotiated version, sent on later requests.
func (t *StreamableTransport) SetProtocolVersion(version string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.protocol = version
}

// SessionID returns the session assigned by the server, if any.
func (t *StreamableTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// RoundTrip posts msg and reads the matching response from the reply body.
func (t *StreamableTransport) RoundTrip(ctx context.Context, msg *Message) (*Message, error) {
	resp, err := t.post(ctx, msg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil, fmt.Errorf("server accepted request %s without a response", msg.idKey())
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		return t.readStreamResponse(resp.Body, msg)
	default:
		var out Message
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return &out, nil
	}
}

// Notify posts msg and expects 202 Accepted (or any 2xx).
func (t *StreamableTransport) Notify(ctx context.Context, msg *Message) error {
	resp, err := t.post(ctx, msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// sessionCloseTimeout bounds the DELETE that ends a session.
var sessionCloseTimeout = 5 * time.Second

// Close terminates the server session if one was assigned.
func (t *StreamableTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessionID := t.sessionID
	t.mu.Unlock()

	if sessionID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.cfg.URL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(HeaderSessionID, sessionID)
	applyHeaders(req, t.cfg.Headers)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("session delete failed", "error", err)
		return nil
	}
	_ = resp.Body.Close()
	return nil
}

func (t *StreamableTransport) post(ctx context.Context, msg *Message) (*http.Response, error) {
	t.mu.RLock()
	closed, sessionID, protocol := t.closed, t.sessionID, t.protocol
	t.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(HeaderSessionID, sessionID)
	}
	if protocol != "" {
		req.Header.Set(HeaderProtocolVersion, protocol)
	}
	applyHeaders(req, t.cfg.Headers)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting %s: %w", msg.Method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("posting %s: status %d: %s", msg.Method, resp.StatusCode, bytes.TrimSpace(body))
	}

	if id := resp.Header.Get(HeaderSessionID); id != "" {
		t.mu.Lock()
		t.sessionID = id
		t.mu.Unlock()
	}
	return resp, nil
}

// readStreamResponse scans an event stream for the response to req.
func (t *StreamableTransport) readStreamResponse(body io.Reader, req *Message) (*Message, error) {
	var found *Message
	err := readSSE(body, func(ev sseEvent) bool {
		if ev.Name != "message" {
			return true
		}
		var msg Message
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			t.logger.Debug("ignoring malformed event", "error", err)
			return true
		}
		if msg.isResponse() && msg.idKey() == req.idKey() {
			found = &msg
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("reading event stream: %w", err)
	}
	if found == nil {
		return nil, fmt.Errorf("event stream ended without a response to %s", req.Method)
	}
	return found, nil
}
