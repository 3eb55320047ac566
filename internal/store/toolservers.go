// ABOUTME: SQLite persistence for tool-server descriptors
// ABOUTME: Descriptors carry a transport kind and its kind-specific JSON config

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateToolServer stores a new descriptor.
// Returns ErrDuplicate if the ID is already taken.
func (s *SQLiteStore) CreateToolServer(ctx context.Context, server *ToolServer) error {
	if server.CreatedAt.IsZero() {
		server.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_servers (id, name, transport, config, enabled, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		server.ID, server.Name, string(server.Transport), string(server.Config),
		boolToInt(server.Enabled), server.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("tool server %q: %w", server.ID, ErrDuplicate)
		}
		return fmt.Errorf("inserting tool server: %w", err)
	}

	s.logger.Info("created tool server", "id", server.ID, "transport", server.Transport)
	return nil
}

// GetToolServer retrieves a descriptor by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetToolServer(ctx context.Context, id string) (*ToolServer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, transport, config, enabled, created_at FROM tool_servers WHERE id = ?`, id)
	server, err := scanToolServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tool server: %w", err)
	}
	return server, nil
}

// ListToolServers returns every descriptor in creation order.
func (s *SQLiteStore) ListToolServers(ctx context.Context) ([]*ToolServer, error) {
	return s.queryToolServers(ctx,
		`SELECT id, name, transport, config, enabled, created_at FROM tool_servers ORDER BY created_at ASC, id ASC`)
}

// ListEnabledToolServers returns the enabled descriptors in creation order.
func (s *SQLiteStore) ListEnabledToolServers(ctx context.Context) ([]*ToolServer, error) {
	return s.queryToolServers(ctx,
		`SELECT id, name, transport, config, enabled, created_at FROM tool_servers WHERE enabled = 1 ORDER BY created_at ASC, id ASC`)
}

// SetToolServerEnabled flips the enabled flag.
// Returns ErrNotFound if the descriptor doesn't exist.
func (s *SQLiteStore) SetToolServerEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE tool_servers SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("updating tool server: %w", err)
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

// DeleteToolServer removes a descriptor.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteToolServer(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tool_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting tool server: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Info("deleted tool server", "id", id)
	return nil
}

func (s *SQLiteStore) queryToolServers(ctx context.Context, query string) ([]*ToolServer, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying tool servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	servers := []*ToolServer{}
	for rows.Next() {
		server, err := scanToolServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tool server row: %w", err)
		}
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool server rows: %w", err)
	}
	return servers, nil
}

func scanToolServer(row rowScanner) (*ToolServer, error) {
	var server ToolServer
	var transport, config, createdAtStr string
	var enabled int

	if err := row.Scan(&server.ID, &server.Name, &transport, &config, &enabled, &createdAtStr); err != nil {
		return nil, err
	}

	server.Transport = TransportKind(transport)
	server.Config = json.RawMessage(config)
	server.Enabled = enabled != 0

	var err error
	server.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &server, nil
}
