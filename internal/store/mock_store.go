// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]*Message // keyed by conversation ID
	nextSeq       int64
	toolServers   map[string]*ToolServer
	serverOrder   []string
	settings      map[string]string
	credentials   map[string]string
	usage         []*RunUsage

	// AppendErr, when set, is returned by AppendMessage.
	AppendErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		toolServers:   make(map[string]*ToolServer),
		settings:      make(map[string]string),
		credentials:   make(map[string]string),
	}
}

// UpsertConversation creates the conversation or refreshes its name.
func (m *MockStore) UpsertConversation(ctx context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if conv, ok := m.conversations[id]; ok {
		conv.Name = name
		conv.UpdatedAt = now
		return nil
	}
	m.conversations[id] = &Conversation{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

// ListConversations returns all conversations, most recently active first.
func (m *MockStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		c := *conv
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// IsAgentEnabled reports the agent flag; unknown conversations are disabled.
func (m *MockStore) IsAgentEnabled(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	return ok && conv.AgentEnabled, nil
}

// SetAgentEnabled toggles the agent flag.
func (m *MockStore) SetAgentEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.AgentEnabled = enabled
	return nil
}

// AppendMessage appends a message to the in-memory history.
func (m *MockStore) AppendMessage(ctx context.Context, conversationID string, role Role, content json.RawMessage) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return nil, m.AppendErr
	}

	m.nextSeq++
	msg := &Message{
		Seq:            m.nextSeq,
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        append(json.RawMessage(nil), content...),
		CreatedAt:      time.Now().UTC(),
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return msg, nil
}

// GetRecentMessages returns up to limit newest messages, oldest first.
func (m *MockStore) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	result := make([]*Message, len(all))
	for i, msg := range all {
		c := *msg
		result[i] = &c
	}
	return result, nil
}

// ClearMessages drops the history of a conversation.
func (m *MockStore) ClearMessages(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.messages, conversationID)
	return nil
}

// GetSettings returns settings with defaults for unset keys.
func (m *MockStore) GetSettings(ctx context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return settingsFromValues(m.settings), nil
}

// UpdateSettings stores the given keys after validation.
func (m *MockStore) UpdateSettings(ctx context.Context, values map[string]string) error {
	if err := ValidateSettings(values); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range values {
		m.settings[k] = v
	}
	return nil
}

// CreateToolServer stores a descriptor.
func (m *MockStore) CreateToolServer(ctx context.Context, server *ToolServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.toolServers[server.ID]; ok {
		return fmt.Errorf("tool server %q: %w", server.ID, ErrDuplicate)
	}
	s := *server
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.toolServers[s.ID] = &s
	m.serverOrder = append(m.serverOrder, s.ID)
	return nil
}

// GetToolServer retrieves a descriptor by ID.
func (m *MockStore) GetToolServer(ctx context.Context, id string) (*ToolServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	server, ok := m.toolServers[id]
	if !ok {
		return nil, ErrNotFound
	}
	s := *server
	return &s, nil
}

// ListToolServers returns all descriptors in creation order.
func (m *MockStore) ListToolServers(ctx context.Context) ([]*ToolServer, error) {
	return m.listToolServers(false), nil
}

// ListEnabledToolServers returns enabled descriptors in creation order.
func (m *MockStore) ListEnabledToolServers(ctx context.Context) ([]*ToolServer, error) {
	return m.listToolServers(true), nil
}

func (m *MockStore) listToolServers(enabledOnly bool) []*ToolServer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*ToolServer{}
	for _, id := range m.serverOrder {
		server, ok := m.toolServers[id]
		if !ok || (enabledOnly && !server.Enabled) {
			continue
		}
		s := *server
		result = append(result, &s)
	}
	return result
}

// SetToolServerEnabled flips the enabled flag.
func (m *MockStore) SetToolServerEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	server, ok := m.toolServers[id]
	if !ok {
		return ErrNotFound
	}
	server.Enabled = enabled
	return nil
}

// DeleteToolServer removes a descriptor.
func (m *MockStore) DeleteToolServer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.toolServers[id]; !ok {
		return ErrNotFound
	}
	delete(m.toolServers, id)
	for i, sid := range m.serverOrder {
		if sid == id {
			m.serverOrder = append(m.serverOrder[:i], m.serverOrder[i+1:]...)
			break
		}
	}
	return nil
}

// GetCredential returns a stored credential.
func (m *MockStore) GetCredential(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.credentials[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetCredential stores a credential.
func (m *MockStore) SetCredential(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.credentials[key] = value
	return nil
}

// DeleteCredentials forgets all credentials.
func (m *MockStore) DeleteCredentials(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.credentials = make(map[string]string)
	return nil
}

// SaveUsage records a usage row.
func (m *MockStore) SaveUsage(ctx context.Context, usage *RunUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := *usage
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.usage = append(m.usage, &u)
	return nil
}

// GetUsageStats aggregates usage rows matching the filter.
func (m *MockStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	for _, u := range m.usage {
		if filter.ConversationID != nil && u.ConversationID != *filter.ConversationID {
			continue
		}
		if filter.Since != nil && u.CreatedAt.Before(*filter.Since) {
			continue
		}
		stats.Runs++
		stats.InputTokens += int64(u.InputTokens)
		stats.OutputTokens += int64(u.OutputTokens)
		stats.ToolCalls += int64(u.ToolCalls)
	}
	return &stats, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface.
var _ Store = (*MockStore)(nil)
