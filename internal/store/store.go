// ABOUTME: Store interfaces and data types for coven-relay persistence
// ABOUTME: Defines conversations, messages, tool-server descriptors, settings, credentials and usage

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating an entity whose ID is already taken
var ErrDuplicate = errors.New("already exists")

// Role identifies the author of a persisted message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation is a chat thread known to the relay, individual or group.
type Conversation struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	AgentEnabled bool      `json:"agent_enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is one persisted turn of a conversation. Content holds the
// JSON-encoded array of content blocks exactly as exchanged with the model.
type Message struct {
	Seq            int64           `json:"seq"`
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        json.RawMessage `json:"content"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TransportKind selects how a tool server is reached.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportSSE   TransportKind = "sse"
)

// Valid reports whether k is one of the supported transport kinds.
func (k TransportKind) Valid() bool {
	switch k {
	case TransportStdio, TransportHTTP, TransportSSE:
		return true
	}
	return false
}

// ToolServer describes a configured tool server. Config is kind-specific JSON.
type ToolServer struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Transport TransportKind   `json:"type"`
	Config    json.RawMessage `json:"config"`
	Enabled   bool            `json:"enabled"`
	CreatedAt time.Time       `json:"created_at"`
}

// Settings are the runtime agent settings editable from the admin API.
type Settings struct {
	SystemPrompt       string `json:"system_prompt"`
	Model              string `json:"model"`
	MaxTokens          int    `json:"max_tokens"`
	MaxHistoryMessages int    `json:"max_history_messages"`
}

// Settings keys as stored in the settings table.
const (
	SettingSystemPrompt       = "system_prompt"
	SettingModel              = "model"
	SettingMaxTokens          = "max_tokens"
	SettingMaxHistoryMessages = "max_history_messages"
)

// SettingKeys lists every key accepted by UpdateSettings.
var SettingKeys = []string{
	SettingSystemPrompt,
	SettingModel,
	SettingMaxTokens,
	SettingMaxHistoryMessages,
}

// DefaultSettings returns the settings used for keys that were never written.
func DefaultSettings() Settings {
	return Settings{
		SystemPrompt:       "You are a helpful assistant in a chat room. Answer concisely and use the tools available to you when they help.",
		Model:              "claude-sonnet-4-6",
		MaxTokens:          8096,
		MaxHistoryMessages: 50,
	}
}

// RunUsage records token consumption for one agent run.
type RunUsage struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	ConversationID string    `json:"conversation_id"`
	Model          string    `json:"model"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	ToolCalls      int       `json:"tool_calls"`
	CreatedAt      time.Time `json:"created_at"`
}

// UsageFilter narrows GetUsageStats. Nil fields are not filtered on.
type UsageFilter struct {
	ConversationID *string
	Since          *time.Time
}

// UsageStats is the aggregate of matching RunUsage rows.
type UsageStats struct {
	Runs         int64 `json:"runs"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	ToolCalls    int64 `json:"tool_calls"`
}

// ConversationStore persists conversations and their message history.
type ConversationStore interface {
	UpsertConversation(ctx context.Context, id, name string) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)
	IsAgentEnabled(ctx context.Context, id string) (bool, error)
	SetAgentEnabled(ctx context.Context, id string, enabled bool) error

	AppendMessage(ctx context.Context, conversationID string, role Role, content json.RawMessage) (*Message, error)
	// GetRecentMessages returns up to limit of the newest messages, oldest first.
	// A limit of 0 or less returns the whole history.
	GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	ClearMessages(ctx context.Context, conversationID string) error
}

// SettingsStore persists agent settings.
type SettingsStore interface {
	GetSettings(ctx context.Context) (Settings, error)
	UpdateSettings(ctx context.Context, values map[string]string) error
}

// ToolServerStore persists tool-server descriptors.
type ToolServerStore interface {
	CreateToolServer(ctx context.Context, server *ToolServer) error
	GetToolServer(ctx context.Context, id string) (*ToolServer, error)
	ListToolServers(ctx context.Context) ([]*ToolServer, error)
	ListEnabledToolServers(ctx context.Context) ([]*ToolServer, error)
	SetToolServerEnabled(ctx context.Context, id string, enabled bool) error
	DeleteToolServer(ctx context.Context, id string) error
}

// CredentialStore persists channel credential state (tokens, device ids).
type CredentialStore interface {
	GetCredential(ctx context.Context, key string) (string, error)
	SetCredential(ctx context.Context, key, value string) error
	DeleteCredentials(ctx context.Context) error
}

// UsageStore records token usage per agent run.
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *RunUsage) error
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

// Store is the complete persistence surface used by the relay.
type Store interface {
	ConversationStore
	SettingsStore
	ToolServerStore
	CredentialStore
	UsageStore
	Close() error
}
