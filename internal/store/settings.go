// ABOUTME: SQLite persistence for agent settings and channel credentials
// ABOUTME: Both are key/value tables; settings fall back to defaults for unset keys

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// GetSettings returns the stored settings with defaults applied for unset keys.
func (s *SQLiteStore) GetSettings(ctx context.Context) (Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return Settings{}, fmt.Errorf("querying settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Settings{}, fmt.Errorf("scanning setting row: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return Settings{}, fmt.Errorf("iterating setting rows: %w", err)
	}

	return settingsFromValues(values), nil
}

// UpdateSettings writes the given keys in one transaction.
// Unknown keys and non-numeric values for numeric keys are rejected.
func (s *SQLiteStore) UpdateSettings(ctx context.Context, values map[string]string) error {
	if err := ValidateSettings(values); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for key, value := range values {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value)
		if err != nil {
			return fmt.Errorf("writing setting %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing settings: %w", err)
	}
	return nil
}

// ValidateSettings checks that every key is known and numeric keys hold positive integers.
func ValidateSettings(values map[string]string) error {
	for key, value := range values {
		switch key {
		case SettingSystemPrompt, SettingModel:
			if key == SettingModel && value == "" {
				return fmt.Errorf("setting %s must not be empty", key)
			}
		case SettingMaxTokens, SettingMaxHistoryMessages:
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("setting %s must be a positive integer, got %q", key, value)
			}
		default:
			return fmt.Errorf("unknown setting %q", key)
		}
	}
	return nil
}

func settingsFromValues(values map[string]string) Settings {
	settings := DefaultSettings()
	if v, ok := values[SettingSystemPrompt]; ok {
		settings.SystemPrompt = v
	}
	if v, ok := values[SettingModel]; ok && v != "" {
		settings.Model = v
	}
	if n, err := strconv.Atoi(values[SettingMaxTokens]); err == nil && n > 0 {
		settings.MaxTokens = n
	}
	if n, err := strconv.Atoi(values[SettingMaxHistoryMessages]); err == nil && n > 0 {
		settings.MaxHistoryMessages = n
	}
	return settings
}

// GetCredential returns a stored channel credential value.
// Returns ErrNotFound if the key was never written.
func (s *SQLiteStore) GetCredential(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM channel_credentials WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying credential: %w", err)
	}
	return value, nil
}

// SetCredential stores a channel credential value.
func (s *SQLiteStore) SetCredential(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_credentials (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("writing credential: %w", err)
	}
	return nil
}

// DeleteCredentials forgets all channel credentials, forcing a fresh login.
func (s *SQLiteStore) DeleteCredentials(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM channel_credentials`); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	s.logger.Warn("channel credentials cleared")
	return nil
}
