// ABOUTME: Tests for the admin HTTP API handlers.
// ABOUTME: Drives the router with httptest against the mock store and fake registry and channel.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/channel"
	"github.com/2389/coven-relay/internal/store"
)

type fakeRegistry struct {
	mu        sync.Mutex
	connected map[string]bool
	addErr    error
	added     []string
	removed   []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{connected: make(map[string]bool)}
}

func (f *fakeRegistry) AddServer(ctx context.Context, desc store.ToolServer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, desc.ID)
	if f.addErr != nil {
		return f.addErr
	}
	f.connected[desc.ID] = true
	return nil
}

func (f *fakeRegistry) RemoveServer(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	delete(f.connected, id)
}

func (f *fakeRegistry) IsConnected(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[id]
}

func (f *fakeRegistry) ConnectedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.connected))
	for id := range f.connected {
		ids = append(ids, id)
	}
	return ids
}

type fakeChannel struct {
	state       channel.State
	pairingCode string
	loggedOut   bool
}

func (f *fakeChannel) Status() channel.State { return f.state }
func (f *fakeChannel) PairingCode() string   { return f.pairingCode }
func (f *fakeChannel) LoggedOut() bool       { return f.loggedOut }

type testGateway struct {
	*Gateway
	store    *store.MockStore
	registry *fakeRegistry
	channel  *fakeChannel
	handler  http.Handler
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	s := store.NewMockStore()
	reg := newFakeRegistry()
	ch := &fakeChannel{state: channel.StateOpen}
	gw := &Gateway{
		store:   s,
		tools:   reg,
		channel: ch,
		logger:  testLogger(),
	}
	return &testGateway{Gateway: gw, store: s, registry: reg, channel: ch, handler: gw.routes(nil)}
}

func (tg *testGateway) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	tg.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestStatus(t *testing.T) {
	tg := newTestGateway(t)
	tg.channel.state = channel.StateConnecting
	tg.channel.pairingCode = "ABCD-1234"

	rec := tg.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[StatusResponse](t, rec)
	assert.Equal(t, "connecting", resp.Status)
	assert.Equal(t, "ABCD-1234", resp.PairingCode)
	assert.False(t, resp.LoggedOut)
	_, err := time.Parse(time.RFC3339, resp.Timestamp)
	assert.NoError(t, err)
}

func TestChats(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, tg.store.UpsertConversation(ctx, "!a:example.org", "Room A"))

	rec := tg.do(t, http.MethodGet, "/api/chats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	chats := decode[[]store.Conversation](t, rec)
	require.Len(t, chats, 1)
	assert.Equal(t, "Room A", chats[0].Name)

	t.Run("toggle agent", func(t *testing.T) {
		rec := tg.do(t, http.MethodPatch, "/api/chats/!a:example.org/agent", map[string]any{"active": false})
		require.Equal(t, http.StatusOK, rec.Code)

		enabled, err := tg.store.IsAgentEnabled(ctx, "!a:example.org")
		require.NoError(t, err)
		assert.False(t, enabled)
	})

	t.Run("non-boolean active", func(t *testing.T) {
		rec := tg.do(t, http.MethodPatch, "/api/chats/!a:example.org/agent", `{"active":"yes"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = tg.do(t, http.MethodPatch, "/api/chats/!a:example.org/agent", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown chat", func(t *testing.T) {
		rec := tg.do(t, http.MethodPatch, "/api/chats/!nope:example.org/agent", map[string]any{"active": true})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCreateToolServer(t *testing.T) {
	valid := map[string]any{
		"id":     "web",
		"name":   "Web tools",
		"type":   "http",
		"config": map[string]any{"url": "https://tools.example.org/mcp"},
	}

	t.Run("created and connected", func(t *testing.T) {
		tg := newTestGateway(t)
		rec := tg.do(t, http.MethodPost, "/api/tool-servers", valid)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		resp := decode[ToolServerResponse](t, rec)
		assert.Equal(t, "web", resp.ID)
		assert.True(t, resp.Connected)
		assert.True(t, resp.Enabled)

		saved, err := tg.store.GetToolServer(context.Background(), "web")
		require.NoError(t, err)
		assert.Equal(t, store.TransportHTTP, saved.Transport)
	})

	t.Run("validation", func(t *testing.T) {
		cases := []map[string]any{
			{"id": "web", "name": "Web", "type": "http"},
			{"id": "web", "name": "Web", "type": "carrier-pigeon", "config": map[string]any{"url": "https://x"}},
			{"id": "we__b", "name": "Web", "type": "http", "config": map[string]any{"url": "https://x"}},
			{"id": "web", "name": "Web", "type": "stdio", "config": map[string]any{}},
			{"id": "web", "name": "Web", "type": "sse", "config": map[string]any{"url": "ftp://x"}},
		}
		for _, body := range cases {
			tg := newTestGateway(t)
			rec := tg.do(t, http.MethodPost, "/api/tool-servers", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, "body %v", body)
			assert.Empty(t, tg.registry.added, "no connect attempt for %v", body)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		tg := newTestGateway(t)
		require.NoError(t, tg.store.CreateToolServer(context.Background(), &store.ToolServer{
			ID: "web", Name: "Old", Transport: store.TransportHTTP, Config: json.RawMessage(`{"url":"https://old"}`), Enabled: true,
		}))
		rec := tg.do(t, http.MethodPost, "/api/tool-servers", valid)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Empty(t, tg.registry.added)
	})

	t.Run("connect failure is not persisted", func(t *testing.T) {
		tg := newTestGateway(t)
		tg.registry.addErr = errors.New("connection refused")
		rec := tg.do(t, http.MethodPost, "/api/tool-servers", valid)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, rec.Body.String(), "connection refused")

		_, err := tg.store.GetToolServer(context.Background(), "web")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestListDeleteToggleToolServers(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, tg.store.CreateToolServer(ctx, &store.ToolServer{
		ID: "fs", Name: "Files", Transport: store.TransportStdio, Config: json.RawMessage(`{"command":"fs-mcp"}`), Enabled: true,
	}))
	tg.registry.connected["fs"] = true

	rec := tg.do(t, http.MethodGet, "/api/tool-servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]ToolServerResponse](t, rec)
	require.Len(t, list, 1)
	assert.True(t, list[0].Connected)

	rec = tg.do(t, http.MethodPatch, "/api/tool-servers/fs/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["enabled"])
	assert.False(t, tg.registry.IsConnected("fs"))

	rec = tg.do(t, http.MethodPatch, "/api/tool-servers/fs/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["enabled"])
	assert.True(t, tg.registry.IsConnected("fs"))

	tg.registry.addErr = errors.New("boom")
	rec = tg.do(t, http.MethodPatch, "/api/tool-servers/fs/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code, "disabling never dials")
	rec = tg.do(t, http.MethodPatch, "/api/tool-servers/fs/toggle", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	saved, err := tg.store.GetToolServer(ctx, "fs")
	require.NoError(t, err)
	assert.False(t, saved.Enabled, "failed enable leaves the descriptor disabled")

	rec = tg.do(t, http.MethodDelete, "/api/tool-servers/fs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, tg.registry.removed, "fs")

	rec = tg.do(t, http.MethodDelete, "/api/tool-servers/fs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = tg.do(t, http.MethodPatch, "/api/tool-servers/fs/toggle", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// toggleFailStore fails every enabled-flag update.
type toggleFailStore struct {
	*store.MockStore
}

func (s toggleFailStore) SetToolServerEnabled(ctx context.Context, id string, enabled bool) error {
	return errors.New("disk full")
}

func TestToggleToolServerStoreFailureDisconnects(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, tg.store.CreateToolServer(ctx, &store.ToolServer{
		ID: "fs", Name: "Files", Transport: store.TransportStdio, Config: json.RawMessage(`{"command":"fs-mcp"}`),
	}))
	tg.Gateway.store = toggleFailStore{tg.store}

	rec := tg.do(t, http.MethodPatch, "/api/tool-servers/fs/toggle", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, []string{"fs"}, tg.registry.added)
	assert.False(t, tg.registry.IsConnected("fs"), "connection must not outlive the failed update")

	saved, err := tg.store.GetToolServer(ctx, "fs")
	require.NoError(t, err)
	assert.False(t, saved.Enabled)
}

func TestSettings(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.DefaultSettings(), decode[store.Settings](t, rec))

	rec = tg.do(t, http.MethodPut, "/api/settings", map[string]any{
		"model":      "claude-test",
		"max_tokens": 1024,
		"unknown":    "ignored",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	settings, err := tg.store.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "claude-test", settings.Model)
	assert.Equal(t, 1024, settings.MaxTokens)

	rec = tg.do(t, http.MethodPut, "/api/settings", map[string]any{"unknown": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tg.do(t, http.MethodPut, "/api/settings", map[string]any{"max_tokens": -5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tg.do(t, http.MethodPut, "/api/settings", map[string]any{"model": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessages(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	id := "!a:example.org"
	require.NoError(t, tg.store.UpsertConversation(ctx, id, "Room A"))
	for i := 0; i < 250; i++ {
		_, err := tg.store.AppendMessage(ctx, id, store.RoleUser, json.RawMessage(`[{"type":"text","text":"hi"}]`))
		require.NoError(t, err)
	}

	rec := tg.do(t, http.MethodGet, "/api/messages/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[MessagesResponse](t, rec)
	assert.Len(t, resp.Messages, defaultMessageLimit)
	assert.Equal(t, "Room A", resp.Chat.Name)

	rec = tg.do(t, http.MethodGet, "/api/messages/"+id+"?limit=1000", nil)
	assert.Len(t, decode[MessagesResponse](t, rec).Messages, maxMessageLimit)

	rec = tg.do(t, http.MethodGet, "/api/messages/"+id+"?limit=3", nil)
	assert.Len(t, decode[MessagesResponse](t, rec).Messages, 3)

	rec = tg.do(t, http.MethodGet, "/api/messages/!nope:example.org", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = tg.do(t, http.MethodDelete, "/api/messages/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	remaining, err := tg.store.GetRecentMessages(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestUsage(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, tg.store.SaveUsage(ctx, &store.RunUsage{ID: "u1", ConversationID: "a", InputTokens: 10, OutputTokens: 5, ToolCalls: 1}))
	require.NoError(t, tg.store.SaveUsage(ctx, &store.RunUsage{ID: "u2", ConversationID: "b", InputTokens: 7, OutputTokens: 3}))

	rec := tg.do(t, http.MethodGet, "/api/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[store.UsageStats](t, rec)
	assert.Equal(t, int64(2), all.Runs)
	assert.Equal(t, int64(17), all.InputTokens)

	rec = tg.do(t, http.MethodGet, "/api/usage?conversation_id=a", nil)
	one := decode[store.UsageStats](t, rec)
	assert.Equal(t, int64(1), one.Runs)
	assert.Equal(t, int64(1), one.ToolCalls)

	rec = tg.do(t, http.MethodGet, "/api/usage?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadyFollowsChannelState(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	tg.channel.state = channel.StateDisconnected
	rec = tg.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "disconnected"))
}

func TestAPIRequiresTokenWhenConfigured(t *testing.T) {
	tg := newTestGateway(t)
	verifier := auth.NewJWTVerifier([]byte("test-secret-key-for-jwt-signing-0123"))
	handler := tg.routes(verifier)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := verifier.Generate("operator", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")
}
