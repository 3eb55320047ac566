// ABOUTME: SQLite implementation for per-run token usage tracking
// ABOUTME: Stores and aggregates LLM token consumption for the admin API

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveUsage stores a token usage record.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *RunUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO run_usage (
			id, run_id, conversation_id, model,
			input_tokens, output_tokens, tool_calls, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		usage.ID,
		usage.RunID,
		usage.ConversationID,
		usage.Model,
		usage.InputTokens,
		usage.OutputTokens,
		usage.ToolCalls,
		usage.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved token usage",
		"run_id", usage.RunID,
		"conversation_id", usage.ConversationID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return nil
}

// GetUsageStats returns aggregated usage statistics with optional filters.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(tool_calls), 0)
		FROM run_usage
		WHERE 1=1
	`
	args := []any{}

	if filter.ConversationID != nil {
		query += " AND conversation_id = ?"
		args = append(args, *filter.ConversationID)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Runs,
		&stats.InputTokens,
		&stats.OutputTokens,
		&stats.ToolCalls,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}

	return &stats, nil
}
