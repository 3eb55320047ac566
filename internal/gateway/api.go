// ABOUTME: Admin HTTP API over the relay's stores, tool-server registry and channel.
// ABOUTME: Routes are registered on a gorilla/mux router under /api.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/toolserver"
)

// Message history paging.
const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

// StatusResponse is the JSON response for GET /api/status.
type StatusResponse struct {
	Status      string `json:"status"`
	PairingCode string `json:"pairing_code,omitempty"`
	LoggedOut   bool   `json:"logged_out"`
	Timestamp   string `json:"timestamp"`
}

// SetAgentRequest is the JSON request body for PATCH /api/chats/{id}/agent.
type SetAgentRequest struct {
	Active *bool `json:"active"`
}

// ToolServerResponse is a descriptor plus its live connection state.
type ToolServerResponse struct {
	store.ToolServer
	Connected bool `json:"connected"`
}

// CreateToolServerRequest is the JSON request body for POST /api/tool-servers.
type CreateToolServerRequest struct {
	ID     string              `json:"id"`
	Name   string              `json:"name"`
	Type   store.TransportKind `json:"type"`
	Config json.RawMessage     `json:"config"`
}

// MessagesResponse is the JSON response for GET /api/messages/{id}.
type MessagesResponse struct {
	ID       string              `json:"id"`
	Chat     *store.Conversation `json:"chat"`
	Messages []*store.Message    `json:"messages"`
}

// registerAPIRoutes mounts the admin API on r.
func (g *Gateway) registerAPIRoutes(r *mux.Router, verifier auth.TokenVerifier) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.RequireToken(verifier))

	api.HandleFunc("/status", g.handleStatus).Methods(http.MethodGet)

	api.HandleFunc("/chats", g.handleListChats).Methods(http.MethodGet)
	api.HandleFunc("/chats/{id}/agent", g.handleSetAgent).Methods(http.MethodPatch)

	api.HandleFunc("/tool-servers", g.handleListToolServers).Methods(http.MethodGet)
	api.HandleFunc("/tool-servers", g.handleCreateToolServer).Methods(http.MethodPost)
	api.HandleFunc("/tool-servers/{id}", g.handleDeleteToolServer).Methods(http.MethodDelete)
	api.HandleFunc("/tool-servers/{id}/toggle", g.handleToggleToolServer).Methods(http.MethodPatch)

	api.HandleFunc("/settings", g.handleGetSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", g.handleUpdateSettings).Methods(http.MethodPut)

	api.HandleFunc("/messages/{id}", g.handleGetMessages).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id}", g.handleClearMessages).Methods(http.MethodDelete)

	api.HandleFunc("/usage", g.handleUsageStats).Methods(http.MethodGet)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:    string(g.channel.Status()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	resp.PairingCode = g.channel.PairingCode()
	resp.LoggedOut = g.channel.LoggedOut()
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := g.store.ListConversations(r.Context())
	if err != nil {
		g.internalError(w, "listing conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (g *Gateway) handleSetAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req SetAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		sendJSONError(w, http.StatusBadRequest, `"active" must be a boolean`)
		return
	}

	err := g.store.SetAgentEnabled(r.Context(), id, *req.Active)
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		g.internalError(w, "updating agent flag", err)
		return
	}

	g.logger.Info("agent toggled", "conversation_id", id, "active", *req.Active, "by", auth.SubjectFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id, "agent_enabled": *req.Active})
}

func (g *Gateway) handleListToolServers(w http.ResponseWriter, r *http.Request) {
	servers, err := g.store.ListToolServers(r.Context())
	if err != nil {
		g.internalError(w, "listing tool servers", err)
		return
	}

	resp := make([]ToolServerResponse, 0, len(servers))
	for _, s := range servers {
		resp = append(resp, ToolServerResponse{ToolServer: *s, Connected: g.tools.IsConnected(s.ID)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleCreateToolServer(w http.ResponseWriter, r *http.Request) {
	var req CreateToolServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if msg := validateCreateToolServer(req); msg != "" {
		sendJSONError(w, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()
	if _, err := g.store.GetToolServer(ctx, req.ID); err == nil {
		sendJSONError(w, http.StatusConflict, fmt.Sprintf("tool server %q already exists", req.ID))
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		g.internalError(w, "reading tool server", err)
		return
	}

	desc := store.ToolServer{
		ID:        req.ID,
		Name:      req.Name,
		Transport: req.Type,
		Config:    req.Config,
		Enabled:   true,
	}
	if err := g.tools.AddServer(ctx, desc); err != nil {
		g.logger.Warn("tool server connect failed", "id", req.ID, "error", err)
		sendJSONError(w, http.StatusBadGateway, fmt.Sprintf("failed to connect: %v", err))
		return
	}

	if err := g.store.CreateToolServer(ctx, &desc); err != nil {
		g.tools.RemoveServer(desc.ID)
		if errors.Is(err, store.ErrDuplicate) {
			sendJSONError(w, http.StatusConflict, fmt.Sprintf("tool server %q already exists", req.ID))
			return
		}
		g.internalError(w, "creating tool server", err)
		return
	}

	g.logger.Info("tool server added", "id", desc.ID, "type", desc.Transport, "by", auth.SubjectFromContext(ctx))
	writeJSON(w, http.StatusCreated, ToolServerResponse{ToolServer: desc, Connected: true})
}

// validateCreateToolServer returns a client-facing message, or "" when req is valid.
func validateCreateToolServer(req CreateToolServerRequest) string {
	if req.ID == "" || req.Name == "" || req.Type == "" || len(req.Config) == 0 {
		return "id, name, type, and config are required"
	}
	if strings.Contains(req.ID, toolserver.Separator) {
		return fmt.Sprintf("id must not contain %q", toolserver.Separator)
	}
	if !req.Type.Valid() {
		return "type must be one of: stdio, http, sse"
	}
	if _, err := toolserver.ParseTransportConfig(req.Type, req.Config); err != nil {
		return err.Error()
	}
	return ""
}

func (g *Gateway) handleDeleteToolServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := g.store.DeleteToolServer(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "tool server not found")
		return
	}
	if err != nil {
		g.internalError(w, "deleting tool server", err)
		return
	}
	g.tools.RemoveServer(id)

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (g *Gateway) handleToggleToolServer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	desc, err := g.store.GetToolServer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "tool server not found")
		return
	}
	if err != nil {
		g.internalError(w, "reading tool server", err)
		return
	}

	enable := !desc.Enabled
	if enable {
		desc.Enabled = true
		if err := g.tools.AddServer(ctx, *desc); err != nil {
			sendJSONError(w, http.StatusBadGateway, fmt.Sprintf("failed to connect: %v", err))
			return
		}
	} else {
		g.tools.RemoveServer(id)
	}

	if err := g.store.SetToolServerEnabled(ctx, id, enable); err != nil {
		// Keep the registry in line with the stored descriptor.
		if enable {
			g.tools.RemoveServer(id)
		}
		g.internalError(w, "updating tool server", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "enabled": enable})
}

func (g *Gateway) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := g.store.GetSettings(r.Context())
	if err != nil {
		g.internalError(w, "reading settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (g *Gateway) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	updates := make(map[string]string)
	for _, key := range store.SettingKeys {
		raw, ok := body[key]
		if !ok {
			continue
		}
		value, ok := settingValue(raw)
		if !ok {
			sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("setting %s must be a string or number", key))
			return
		}
		updates[key] = value
	}
	if len(updates) == 0 {
		sendJSONError(w, http.StatusBadRequest, "no valid fields provided")
		return
	}
	if err := store.ValidateSettings(updates); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if err := g.store.UpdateSettings(ctx, updates); err != nil {
		g.internalError(w, "updating settings", err)
		return
	}
	settings, err := g.store.GetSettings(ctx)
	if err != nil {
		g.internalError(w, "reading settings", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "settings": settings})
}

func settingValue(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	limit = min(limit, maxMessageLimit)

	chat, err := g.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		g.internalError(w, "reading conversation", err)
		return
	}

	messages, err := g.store.GetRecentMessages(ctx, id, limit)
	if err != nil {
		g.internalError(w, "reading messages", err)
		return
	}
	if messages == nil {
		messages = []*store.Message{}
	}
	writeJSON(w, http.StatusOK, MessagesResponse{ID: id, Chat: chat, Messages: messages})
}

func (g *Gateway) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := g.store.ClearMessages(r.Context(), id); err != nil {
		g.internalError(w, "clearing messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleUsageStats handles GET /api/usage?conversation_id=X&since=RFC3339.
func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	var filter store.UsageFilter
	q := r.URL.Query()
	if id := q.Get("conversation_id"); id != "" {
		filter.ConversationID = &id
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &since
	}

	stats, err := g.store.GetUsageStats(r.Context(), filter)
	if err != nil {
		g.internalError(w, "reading usage", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) internalError(w http.ResponseWriter, doing string, err error) {
	g.logger.Error("admin api failure", "op", doing, "error", err)
	sendJSONError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
