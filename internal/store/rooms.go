// ABOUTME: Conceptual room, room participant and agent room mapping persistence
// ABOUTME: Mappings are unique per (room, agent); saving an existing pair returns the stored entry

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateConceptualRoom inserts a conceptual room. A missing ID is generated.
// Returns ErrAlreadyExists if the ID is taken.
func (s *SQLiteStore) CreateConceptualRoom(ctx context.Context, room *ConceptualRoom) error {
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if room.Type == "" {
		room.Type = ChannelTypeGroup
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conceptual_rooms (id, name, type, owner_agent_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, room.ID, room.Name, string(room.Type), room.OwnerAgentID, formatTime(room.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting conceptual room: %w", err)
	}

	s.logger.Debug("created conceptual room", "id", room.ID, "owner", room.OwnerAgentID)
	return nil
}

// GetConceptualRoom retrieves a conceptual room by ID.
// Returns ErrNotFound if the room doesn't exist.
func (s *SQLiteStore) GetConceptualRoom(ctx context.Context, id string) (*ConceptualRoom, error) {
	var room ConceptualRoom
	var roomType, createdAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, owner_agent_id, created_at
		FROM conceptual_rooms
		WHERE id = ?
	`, id).Scan(&room.ID, &room.Name, &roomType, &room.OwnerAgentID, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conceptual room: %w", err)
	}

	room.Type = ChannelType(roomType)
	if room.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	return &room, nil
}

// AddRoomParticipant records a participant of a conceptual room. Repeats are no-ops.
// Returns ErrNotFound if the room doesn't exist.
func (s *SQLiteStore) AddRoomParticipant(ctx context.Context, roomID, participantID string) error {
	if participantID == "" {
		return fmt.Errorf("%w: participant id is required", ErrInvalidArgument)
	}

	ok, err := exists(ctx, s.db, `SELECT 1 FROM conceptual_rooms WHERE id = ?`, roomID)
	if err != nil {
		return fmt.Errorf("checking conceptual room: %w", err)
	}
	if !ok {
		return ErrNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conceptual_room_participants (room_id, participant_id, created_at)
		VALUES (?, ?, ?)
	`, roomID, participantID, formatTime(now()))
	if err != nil {
		return fmt.Errorf("inserting room participant: %w", err)
	}
	return nil
}

// RemoveRoomParticipant drops a participant. Removing an absent participant is a no-op.
func (s *SQLiteStore) RemoveRoomParticipant(ctx context.Context, roomID, participantID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conceptual_room_participants WHERE room_id = ? AND participant_id = ?`,
		roomID, participantID)
	if err != nil {
		return fmt.Errorf("deleting room participant: %w", err)
	}
	return nil
}

// ListRoomParticipants returns a conceptual room's participants in join order.
func (s *SQLiteStore) ListRoomParticipants(ctx context.Context, roomID string) ([]string, error) {
	participants, err := queryStrings(ctx, s.db, `
		SELECT participant_id FROM conceptual_room_participants
		WHERE room_id = ?
		ORDER BY created_at ASC, participant_id ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("querying room participants: %w", err)
	}
	return participants, nil
}

// SaveRoomMapping stores a mapping unless one already exists for the pair, and
// returns whichever entry is stored.
// Returns ErrNotFound if the conceptual room doesn't exist.
func (s *SQLiteStore) SaveRoomMapping(ctx context.Context, mapping *RoomMapping) (*RoomMapping, error) {
	if mapping.AgentID == "" || mapping.AgentRoomID == "" {
		return nil, fmt.Errorf("%w: agent id and agent room id are required", ErrInvalidArgument)
	}
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = now()
	}

	ok, err := exists(ctx, s.db, `SELECT 1 FROM conceptual_rooms WHERE id = ?`, mapping.ConceptualRoomID)
	if err != nil {
		return nil, fmt.Errorf("checking conceptual room: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO room_mappings (conceptual_room_id, agent_id, agent_room_id, created_at)
		VALUES (?, ?, ?, ?)
	`, mapping.ConceptualRoomID, mapping.AgentID, mapping.AgentRoomID, formatTime(mapping.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("inserting room mapping: %w", err)
	}

	return s.GetRoomMapping(ctx, mapping.ConceptualRoomID, mapping.AgentID)
}

// GetRoomMapping returns the mapping for one agent.
// Returns ErrNotFound if the agent has no mirror of the room.
func (s *SQLiteStore) GetRoomMapping(ctx context.Context, roomID, agentID string) (*RoomMapping, error) {
	mapping, err := scanRoomMapping(s.db.QueryRowContext(ctx, `
		SELECT conceptual_room_id, agent_id, agent_room_id, created_at
		FROM room_mappings
		WHERE conceptual_room_id = ? AND agent_id = ?
	`, roomID, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying room mapping: %w", err)
	}
	return mapping, nil
}

// ListRoomMappings returns every mirror of a conceptual room, oldest first.
func (s *SQLiteStore) ListRoomMappings(ctx context.Context, roomID string) ([]*RoomMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conceptual_room_id, agent_id, agent_room_id, created_at
		FROM room_mappings
		WHERE conceptual_room_id = ?
		ORDER BY created_at ASC, agent_id ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("querying room mappings: %w", err)
	}
	defer rows.Close()

	mappings := []*RoomMapping{}
	for rows.Next() {
		mapping, err := scanRoomMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning room mapping row: %w", err)
		}
		mappings = append(mappings, mapping)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating room mapping rows: %w", err)
	}

	return mappings, nil
}

func scanRoomMapping(row rowScanner) (*RoomMapping, error) {
	var mapping RoomMapping
	var createdAtStr string

	if err := row.Scan(&mapping.ConceptualRoomID, &mapping.AgentID, &mapping.AgentRoomID, &createdAtStr); err != nil {
		return nil, err
	}

	var err error
	if mapping.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	return &mapping, nil
}
