// ABOUTME: Legacy HTTP+SSE transport and the server-sent-events parser shared with streamable HTTP.
// ABOUTME: Responses arrive as "message" events on a long-lived GET stream.

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	Name string
	Data string
}

// readSSE parses an event stream and calls fn for each event. Parsing stops
// when fn returns false or the stream ends.
func readSSE(r io.Reader, fn func(sseEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var name string
	var data []string
	dispatch := func() bool {
		if len(data) == 0 {
			name = ""
			return true
		}
		ev := sseEvent{Name: name, Data: strings.Join(data, "\n")}
		if ev.Name == "" {
			ev.Name = "message"
		}
		name, data = "", nil
		return fn(ev)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if !dispatch() {
				return nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	dispatch()
	return nil
}

// HTTPConfig describes a tool server reached over HTTP.
type HTTPConfig struct {
	URL     string
	Headers map[string]string
}

// SSETransport implements the legacy HTTP+SSE transport: a GET stream
// announces a POST endpoint, then carries every response.
type SSETransport struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger

	endpoint string
	pending  *pendingCalls
	cancel   context.CancelFunc
	body     io.Closer
	once     sync.Once
}

// NewSSETransport creates an SSE transport. A nil client uses a default one
// without a timeout, since the event stream is long-lived.
func NewSSETransport(cfg HTTPConfig, client *http.Client, logger *slog.Logger) *SSETransport {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSETransport{cfg: cfg, client: client, logger: logger, pending: newPendingCalls()}
}

// Start opens the event stream and waits for the endpoint announcement.
func (t *SSETransport) Start(ctx context.Context) error {
	base, err := url.Parse(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	applyHeaders(req, t.cfg.Headers)

	// The stream must survive ctx, so bound only the wait for headers and endpoint.
	stop := context.AfterFunc(ctx, cancel)
	resp, err := t.client.Do(req)
	if err != nil {
		stop()
		cancel()
		return fmt.Errorf("opening event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		stop()
		cancel()
		_ = resp.Body.Close()
		return fmt.Errorf("opening event stream: status %d", resp.StatusCode)
	}

	endpointCh := make(chan string, 1)
	go t.readLoop(resp.Body, base, endpointCh)

	select {
	case endpoint, ok := <-endpointCh:
		stop()
		if !ok {
			cancel()
			_ = resp.Body.Close()
			return errors.New("event stream closed before endpoint was announced")
		}
		t.endpoint = endpoint
		t.cancel = cancel
		t.body = resp.Body
		return nil
	case <-ctx.Done():
		cancel()
		_ = resp.Body.Close()
		return ctx.Err()
	}
}

func (t *SSETransport) readLoop(body io.Reader, base *url.URL, endpointCh chan<- string) {
	announced := false
	err := readSSE(body, func(ev sseEvent) bool {
		switch ev.Name {
		case "endpoint":
			if announced {
				return true
			}
			ref, err := url.Parse(strings.TrimSpace(ev.Data))
			if err != nil {
				t.logger.Warn("invalid endpoint event", "data", ev.Data, "error", err)
				return true
			}
			announced = true
			endpointCh <- base.ResolveReference(ref).String()
		case "message":
			var msg Message
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				t.logger.Debug("ignoring malformed message event", "error", err)
				return true
			}
			switch {
			case msg.isResponse():
				t.pending.deliver(&msg)
			case msg.isRequest():
				reply := replyTo(&msg)
				go func() {
					if _, err := t.post(context.Background(), reply); err != nil {
						t.logger.Debug("failed to answer server request", "method", msg.Method, "error", err)
					}
				}()
			}
		}
		return true
	})
	if !announced {
		close(endpointCh)
	}
	if err == nil {
		err = io.EOF
	}
	t.pending.closeAll(fmt.Errorf("event stream ended: %w", err))
}

// RoundTrip posts msg to the announced endpoint and waits for the response on the stream.
func (t *SSETransport) RoundTrip(ctx context.Context, msg *Message) (*Message, error) {
	id := msg.idKey()
	ch, err := t.pending.add(id)
	if err != nil {
		return nil, err
	}
	if _, err := t.post(ctx, msg); err != nil {
		t.pending.remove(id)
		return nil, err
	}
	return t.pending.wait(ctx, id, ch)
}

// Notify posts msg without waiting for anything on the stream.
func (t *SSETransport) Notify(ctx context.Context, msg *Message) error {
	_, err := t.post(ctx, msg)
	return err
}

// Close tears down the event stream.
func (t *SSETransport) Close() error {
	t.once.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		if t.body != nil {
			_ = t.body.Close()
		}
		t.pending.closeAll(ErrClosed)
	})
	return nil
}

func (t *SSETransport) post(ctx context.Context, msg *Message) (int, error) {
	if t.endpoint == "" {
		return 0, ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyHeaders(req, t.cfg.Headers)

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("posting message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("posting message: status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
