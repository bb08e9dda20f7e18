// ABOUTME: Message server persistence and server-to-agent associations
// ABOUTME: Servers are tenant boundaries; agents attach to servers to receive their traffic

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateServer inserts a new message server. A missing ID is generated.
// Returns ErrAlreadyExists if the ID is taken.
func (s *SQLiteStore) CreateServer(ctx context.Context, server *MessageServer) error {
	if server.ID == "" {
		server.ID = uuid.NewString()
	}
	if server.SourceType == "" {
		server.SourceType = SourceTypeHub
	}
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now()
	}
	if server.UpdatedAt.IsZero() {
		server.UpdatedAt = server.CreatedAt
	}

	query := `
		INSERT INTO message_servers (id, name, source_type, source_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		server.ID,
		server.Name,
		server.SourceType,
		nullString(server.SourceID),
		server.Metadata,
		formatTime(server.CreatedAt),
		formatTime(server.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting server: %w", err)
	}

	s.logger.Debug("created server", "id", server.ID, "source_type", server.SourceType)
	return nil
}

// GetServer retrieves a server by ID.
// Returns ErrNotFound if the server doesn't exist.
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*MessageServer, error) {
	query := `
		SELECT id, name, source_type, source_id, metadata, created_at, updated_at
		FROM message_servers
		WHERE id = ?
	`

	server, err := scanServer(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying server: %w", err)
	}
	return server, nil
}

// ListServers returns all servers, oldest first.
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*MessageServer, error) {
	query := `
		SELECT id, name, source_type, source_id, metadata, created_at, updated_at
		FROM message_servers
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer rows.Close()

	servers := []*MessageServer{}
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning server row: %w", err)
		}
		servers = append(servers, server)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server rows: %w", err)
	}

	return servers, nil
}

func scanServer(row rowScanner) (*MessageServer, error) {
	var server MessageServer
	var sourceID sql.NullString
	var createdAtStr, updatedAtStr string

	if err := row.Scan(
		&server.ID,
		&server.Name,
		&server.SourceType,
		&sourceID,
		&server.Metadata,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	server.SourceID = fromNull(sourceID)

	var err error
	if server.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	if server.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, err
	}
	return &server, nil
}

// AddAgentToServer associates an agent with a server. Repeating the call is a no-op.
// Returns ErrNotFound if the server doesn't exist.
func (s *SQLiteStore) AddAgentToServer(ctx context.Context, serverID, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidArgument)
	}

	ok, err := exists(ctx, s.db, `SELECT 1 FROM message_servers WHERE id = ?`, serverID)
	if err != nil {
		return fmt.Errorf("checking server: %w", err)
	}
	if !ok {
		return ErrNotFound
	}

	query := `
		INSERT OR IGNORE INTO server_agents (message_server_id, agent_id, created_at)
		VALUES (?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, serverID, agentID, formatTime(now())); err != nil {
		return fmt.Errorf("inserting server agent: %w", err)
	}

	s.logger.Debug("added agent to server", "server_id", serverID, "agent_id", agentID)
	return nil
}

// RemoveAgentFromServer drops an association. Removing a missing association is a no-op.
func (s *SQLiteStore) RemoveAgentFromServer(ctx context.Context, serverID, agentID string) error {
	query := `DELETE FROM server_agents WHERE message_server_id = ? AND agent_id = ?`
	if _, err := s.db.ExecContext(ctx, query, serverID, agentID); err != nil {
		return fmt.Errorf("deleting server agent: %w", err)
	}

	s.logger.Debug("removed agent from server", "server_id", serverID, "agent_id", agentID)
	return nil
}

// ListAgentsForServer returns agent ids attached to a server in the order they joined.
func (s *SQLiteStore) ListAgentsForServer(ctx context.Context, serverID string) ([]string, error) {
	agents, err := queryStrings(ctx, s.db, `
		SELECT agent_id FROM server_agents
		WHERE message_server_id = ?
		ORDER BY created_at ASC, agent_id ASC
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("querying server agents: %w", err)
	}
	return agents, nil
}

// ListServersForAgent returns server ids the agent is attached to.
func (s *SQLiteStore) ListServersForAgent(ctx context.Context, agentID string) ([]string, error) {
	servers, err := queryStrings(ctx, s.db, `
		SELECT message_server_id FROM server_agents
		WHERE agent_id = ?
		ORDER BY created_at ASC, message_server_id ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying agent servers: %w", err)
	}
	return servers, nil
}
