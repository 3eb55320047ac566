// ABOUTME: SQLite persistence for conversations and their message history
// ABOUTME: Messages are append-only and ordered by (created_at, seq)

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertConversation creates the conversation or refreshes its display name.
// The agent_enabled flag of an existing conversation is left untouched.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, id, name string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		INSERT INTO conversations (id, name, agent_enabled, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, id, name, now, now); err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, name, agent_enabled, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns every known conversation, most recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	query := `
		SELECT id, name, agent_enabled, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	conversations := []*Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return conversations, nil
}

// IsAgentEnabled reports whether the agent answers in the conversation.
// Unknown conversations are not enabled.
func (s *SQLiteStore) IsAgentEnabled(ctx context.Context, id string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx, `SELECT agent_enabled FROM conversations WHERE id = ?`, id).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying agent flag: %w", err)
	}
	return enabled != 0, nil
}

// SetAgentEnabled toggles the agent for a conversation.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) SetAgentEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET agent_enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating agent flag: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage stores a new message at the end of the conversation history.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, role Role, content json.RawMessage) (*Message, error) {
	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), string(msg.Content), msg.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	msg.Seq, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading message sequence: %w", err)
	}

	s.logger.Debug("appended message", "conversation_id", conversationID, "role", role, "seq", msg.Seq)
	return msg, nil
}

// GetRecentMessages retrieves the most recent `limit` messages of a conversation.
// Messages are returned in chronological order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT seq, id, conversation_id, role, content, created_at
			FROM (
				SELECT seq, id, conversation_id, role, content, created_at
				FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, seq DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT seq, id, conversation_id, role, content, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, seq ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*Message{}
	for rows.Next() {
		var msg Message
		var role, content, createdAtStr string

		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &role, &content, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.Role = Role(role)
		msg.Content = json.RawMessage(content)
		msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// ClearMessages deletes the whole history of a conversation.
func (s *SQLiteStore) ClearMessages(ctx context.Context, conversationID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	n, _ := result.RowsAffected()
	s.logger.Info("cleared conversation history", "conversation_id", conversationID, "deleted", n)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var enabled int
	var createdAtStr, updatedAtStr string

	if err := row.Scan(&conv.ID, &conv.Name, &enabled, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}
	conv.AgentEnabled = enabled != 0

	var err error
	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}
