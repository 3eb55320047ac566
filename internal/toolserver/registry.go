// ABOUTME: Thread-safe registry of live MCP tool server connections.
// ABOUTME: Namespaces tool names per server and routes calls with a per-call timeout.

package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/mcp"
	"github.com/2389/coven-relay/internal/store"
)

// Separator joins a server id and a tool's local name.
const Separator = "__"

// DefaultTimeout is the default timeout for tool execution.
const DefaultTimeout = 30 * time.Second

// ErrConnect indicates a tool server could not be connected or listed.
var ErrConnect = errors.New("tool server connect failed")

// ErrNotConnected indicates the referenced server has no live entry.
var ErrNotConnected = errors.New("tool server not connected")

// ErrMalformedToolName indicates a tool name without a server prefix.
var ErrMalformedToolName = errors.New("malformed tool name")

// ErrToolTimeout indicates a tool call did not finish in time.
var ErrToolTimeout = errors.New("tool call timed out")

// ErrToolFailed indicates the tool server reported an error result.
var ErrToolFailed = errors.New("tool reported an error")

// defaultInputSchema is used when a server omits a tool's schema.
var defaultInputSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ToolError carries the text of an error result reported by a tool.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tool %s failed", e.Tool)
	}
	return e.Message
}

func (e *ToolError) Unwrap() error { return ErrToolFailed }

// Tool is a tool definition qualified with its owning server.
type Tool struct {
	ServerID      string
	LocalName     string
	QualifiedName string
	Description   string
	InputSchema   json.RawMessage
}

// Result is a tool result reduced to text and image parts.
type Result struct {
	Content []mcp.Content
}

// Text joins the text parts of the result.
func (r *Result) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// DescriptorStore lists the tool servers to load at startup.
type DescriptorStore interface {
	ListEnabledToolServers(ctx context.Context) ([]*store.ToolServer, error)
}

// Observer receives per-call outcomes. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveToolCall(serverID, outcome string, d time.Duration)
	SetConnectedToolServers(n int)
}

// entry is one live server.
type entry struct {
	desc   store.ToolServer
	client Client
	tools  []Tool
}

// Registry maintains the live tool server connections and their tools.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // registration order of entries

	dial     Dialer
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
}

// Config contains configuration options for the Registry.
type Config struct {
	Dialer   Dialer
	Timeout  time.Duration
	Observer Observer
	Logger   *slog.Logger
}

// NewRegistry creates a Registry. Timeout defaults to DefaultTimeout.
func NewRegistry(cfg Config) *Registry {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := cfg.Dialer
	if dial == nil {
		dial = MCPDialer(nil, logger)
	}

	return &Registry{
		entries:  make(map[string]*entry),
		dial:     dial,
		timeout:  timeout,
		observer: cfg.Observer,
		logger:   logger.With("component", "toolserver"),
	}
}

// AddServer connects to a tool server and registers its tools under desc.ID.
// An existing entry for the same id is removed first. Nothing is registered
// unless both the connection and the tool listing succeed.
func (r *Registry) AddServer(ctx context.Context, desc store.ToolServer) error {
	r.RemoveServer(desc.ID)

	client, err := r.dial(ctx, desc)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnect, desc.ID, err)
	}

	listed, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("%w: %s: listing tools: %w", ErrConnect, desc.ID, err)
	}

	tools := make([]Tool, 0, len(listed))
	for _, t := range listed {
		schema := t.InputSchema
		if len(schema) == 0 || string(schema) == "null" {
			schema = defaultInputSchema
		}
		tools = append(tools, Tool{
			ServerID:      desc.ID,
			LocalName:     t.Name,
			QualifiedName: desc.ID + Separator + t.Name,
			Description:   t.Description,
			InputSchema:   schema,
		})
	}

	r.mu.Lock()
	// A concurrent AddServer for the same id may have won the race.
	if prev, exists := r.entries[desc.ID]; exists {
		r.dropLocked(desc.ID)
		go r.closeClient(desc.ID, prev.client)
	}
	r.entries[desc.ID] = &entry{desc: desc, client: client, tools: tools}
	r.order = append(r.order, desc.ID)
	connected := len(r.entries)
	r.mu.Unlock()

	r.reportConnected(connected)
	r.logger.Info("tool server connected",
		"server_id", desc.ID,
		"name", desc.Name,
		"transport", desc.Transport,
		"tool_count", len(tools),
	)
	return nil
}

// RemoveServer closes and forgets a server. Absent ids are ignored and close
// errors are logged, never returned.
func (r *Registry) RemoveServer(id string) {
	r.mu.Lock()
	e, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	r.dropLocked(id)
	connected := len(r.entries)
	r.mu.Unlock()

	r.reportConnected(connected)
	r.closeClient(id, e.client)
	r.logger.Info("tool server removed", "server_id", id)
}

func (r *Registry) dropLocked(id string) {
	delete(r.entries, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) closeClient(id string, client Client) {
	if err := client.Close(); err != nil {
		r.logger.Debug("error closing tool server", "server_id", id, "error", err)
	}
}

// AllTools returns every registered tool in server registration order.
func (r *Registry) AllTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tools []Tool
	for _, id := range r.order {
		tools = append(tools, r.entries[id].tools...)
	}
	return tools
}

// ConnectedIDs returns the ids of live servers in registration order.
func (r *Registry) ConnectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// IsConnected reports whether id has a live entry.
func (r *Registry) IsConnected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.entries[id]
	return ok
}

// SplitToolName splits a qualified name on the first separator.
func SplitToolName(qualified string) (serverID, localName string, err error) {
	serverID, localName, found := strings.Cut(qualified, Separator)
	if !found || serverID == "" || localName == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedToolName, qualified)
	}
	return serverID, localName, nil
}

type callOutcome struct {
	result *mcp.CallToolResult
	err    error
}

// ExecuteTool calls a qualified tool. The call races the registry timeout;
// on timeout it is abandoned rather than cancelled and its result discarded.
func (r *Registry) ExecuteTool(ctx context.Context, qualifiedName string, args json.RawMessage) (*Result, error) {
	serverID, localName, err := SplitToolName(qualifiedName)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	e, exists := r.entries[serverID]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, serverID)
	}

	start := time.Now()
	done := make(chan callOutcome, 1)
	go func() {
		// Detached so an abandoned call can still finish on its own.
		res, err := e.client.CallTool(context.WithoutCancel(ctx), localName, args)
		done <- callOutcome{result: res, err: err}
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	var out callOutcome
	select {
	case out = <-done:
	case <-timer.C:
		r.observe(serverID, "timeout", start)
		r.logger.Warn("tool call timed out",
			"tool", qualifiedName,
			"timeout", r.timeout,
		)
		return nil, fmt.Errorf("%w: %s after %s", ErrToolTimeout, qualifiedName, r.timeout)
	}

	if out.err != nil {
		r.observe(serverID, "error", start)
		return nil, fmt.Errorf("calling %s: %w", qualifiedName, out.err)
	}

	result := normalize(out.result)
	if out.result.IsError {
		r.observe(serverID, "tool_error", start)
		return nil, &ToolError{Tool: qualifiedName, Message: result.Text()}
	}

	r.observe(serverID, "success", start)
	return result, nil
}

// normalize keeps only text and image parts.
func normalize(res *mcp.CallToolResult) *Result {
	out := &Result{}
	if res == nil {
		return out
	}
	for _, c := range res.Content {
		switch c.Type {
		case "text", "image":
			out.Content = append(out.Content, c)
		}
	}
	return out
}

// LoadFromStore adds every enabled descriptor. Failures are logged and skipped.
func (r *Registry) LoadFromStore(ctx context.Context, descriptors DescriptorStore) error {
	servers, err := descriptors.ListEnabledToolServers(ctx)
	if err != nil {
		return fmt.Errorf("listing tool servers: %w", err)
	}

	for _, desc := range servers {
		if err := r.AddServer(ctx, *desc); err != nil {
			r.logger.Warn("skipping tool server", "server_id", desc.ID, "error", err)
		}
	}
	return nil
}

// ShutdownAll removes every live server concurrently.
func (r *Registry) ShutdownAll() {
	var g errgroup.Group
	for _, id := range r.ConnectedIDs() {
		g.Go(func() error {
			r.RemoveServer(id)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Registry) observe(serverID, outcome string, start time.Time) {
	if r.observer != nil {
		r.observer.ObserveToolCall(serverID, outcome, time.Since(start))
	}
}

func (r *Registry) reportConnected(n int) {
	if r.observer != nil {
		r.observer.SetConnectedToolServers(n)
	}
}
