// ABOUTME: Channel and participant persistence including idempotent DM provisioning
// ABOUTME: Channel creation is insert-or-ignore on the primary key and the DM pair index so racing creators converge

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// dmNamespace seeds deterministic DM channel ids.
var dmNamespace = uuid.MustParse("6f1c2a4e-8d7b-4c55-9a43-0e2d1b7f6c10")

const channelColumns = `id, message_server_id, name, type, source_type, source_id, topic, metadata, created_at, updated_at`

// DMChannelName is the stable name of the direct channel between two users.
// Argument order does not matter.
func DMChannelName(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return "DM-" + pair[0] + "-" + pair[1]
}

// DMChannelID derives the id used when a DM channel is first created.
func DMChannelID(serverID, userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return uuid.NewSHA1(dmNamespace, []byte(serverID+"\x00"+pair[0]+"\x00"+pair[1])).String()
}

// CreateChannel inserts a channel and its initial participants in one transaction.
// If a channel with the same ID already exists the insert is skipped, the
// participants are still added, and channel is overwritten with the stored row.
// A DM whose (server, name) pair is already taken resolves to that row instead.
// Returns ErrNotFound if the owning server doesn't exist and ErrInvalidArgument,
// without adding participants, if the stored row belongs to another server.
func (s *SQLiteStore) CreateChannel(ctx context.Context, channel *MessageChannel, participantIDs []string) error {
	if channel.MessageServerID == "" {
		return fmt.Errorf("%w: server id is required", ErrInvalidArgument)
	}
	if channel.ID == "" {
		channel.ID = uuid.NewString()
	}
	if channel.Type == "" {
		channel.Type = ChannelTypeGroup
	}
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = now()
	}
	if channel.UpdatedAt.IsZero() {
		channel.UpdatedAt = channel.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	ok, err := exists(ctx, tx, `SELECT 1 FROM message_servers WHERE id = ?`, channel.MessageServerID)
	if err != nil {
		return fmt.Errorf("checking server: %w", err)
	}
	if !ok {
		return fmt.Errorf("server %s: %w", channel.MessageServerID, ErrNotFound)
	}

	query := `
		INSERT OR IGNORE INTO message_channels (` + channelColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, query,
		channel.ID,
		channel.MessageServerID,
		channel.Name,
		string(channel.Type),
		nullString(channel.SourceType),
		nullString(channel.SourceID),
		nullString(channel.Topic),
		channel.Metadata,
		formatTime(channel.CreatedAt),
		formatTime(channel.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting channel: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	stored, err := scanChannel(tx.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM message_channels WHERE id = ?`, channel.ID))
	if errors.Is(err, sql.ErrNoRows) && channel.Type == ChannelTypeDM {
		// The pair index ignored the insert; the pair's existing row wins
		stored, err = scanChannel(tx.QueryRowContext(ctx, `
			SELECT `+channelColumns+` FROM message_channels
			WHERE message_server_id = ? AND type = ? AND name = ?
		`, channel.MessageServerID, string(ChannelTypeDM), channel.Name))
	}
	if err != nil {
		return fmt.Errorf("reading channel back: %w", err)
	}
	if stored.MessageServerID != channel.MessageServerID {
		return fmt.Errorf("%w: channel %s belongs to server %s", ErrInvalidArgument, stored.ID, stored.MessageServerID)
	}

	if err := insertParticipants(ctx, tx, stored.ID, participantIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing channel: %w", err)
	}

	*channel = *stored
	if inserted > 0 {
		s.logger.Debug("created channel", "id", channel.ID, "server_id", channel.MessageServerID, "type", channel.Type)
	} else {
		s.logger.Debug("channel already existed", "id", channel.ID)
	}
	return nil
}

func insertParticipants(ctx context.Context, tx *sql.Tx, channelID string, userIDs []string) error {
	ids := dedupeIDs(userIDs)
	if len(ids) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO channel_participants (channel_id, user_id, created_at)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing participant insert: %w", err)
	}
	defer stmt.Close()

	ts := formatTime(now())
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, channelID, id, ts); err != nil {
			return fmt.Errorf("inserting participant %s: %w", id, err)
		}
	}
	return nil
}

// GetChannel retrieves a channel by ID.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) GetChannel(ctx context.Context, id string) (*MessageChannel, error) {
	channel, err := scanChannel(s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM message_channels WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying channel: %w", err)
	}
	return channel, nil
}

// ListChannelsForServer returns a server's channels, oldest first.
func (s *SQLiteStore) ListChannelsForServer(ctx context.Context, serverID string) ([]*MessageChannel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+channelColumns+`
		FROM message_channels
		WHERE message_server_id = ?
		ORDER BY created_at ASC, id ASC
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer rows.Close()

	channels := []*MessageChannel{}
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning channel row: %w", err)
		}
		channels = append(channels, channel)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel rows: %w", err)
	}

	return channels, nil
}

// UpdateChannel applies the non-nil fields of update and returns the new row.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) UpdateChannel(ctx context.Context, id string, update ChannelUpdate) (*MessageChannel, error) {
	if !update.Metadata.Valid() {
		return nil, fmt.Errorf("%w: metadata must be a JSON object", ErrInvalidArgument)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	channel, err := scanChannel(tx.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM message_channels WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying channel: %w", err)
	}

	if update.Name != nil {
		if channel.Type == ChannelTypeDM && *update.Name != channel.Name {
			return nil, fmt.Errorf("%w: direct channel names are fixed", ErrInvalidArgument)
		}
		channel.Name = *update.Name
	}
	if update.Topic != nil {
		channel.Topic = *update.Topic
	}
	if update.Metadata != nil {
		channel.Metadata = update.Metadata
	}
	channel.UpdatedAt = now()

	_, err = tx.ExecContext(ctx, `
		UPDATE message_channels
		SET name = ?, topic = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`, channel.Name, nullString(channel.Topic), channel.Metadata, formatTime(channel.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("updating channel: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing channel update: %w", err)
	}

	s.logger.Debug("updated channel", "id", id)
	return channel, nil
}

// DeleteChannel removes a channel together with its participants and messages.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM message_channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting channel: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted channel", "id", id)
	return nil
}

// FindOrCreateDMChannel returns the single direct channel shared by two users on a
// server, creating it if needed. Argument order does not matter and concurrent
// callers converge on one row.
func (s *SQLiteStore) FindOrCreateDMChannel(ctx context.Context, userA, userB, serverID string) (*MessageChannel, error) {
	if userA == "" || userB == "" {
		return nil, fmt.Errorf("%w: both users are required", ErrInvalidArgument)
	}
	if userA == userB {
		return nil, fmt.Errorf("%w: a direct channel needs two distinct users", ErrInvalidArgument)
	}

	name := DMChannelName(userA, userB)

	channel, err := s.findDMChannel(ctx, serverID, name, userA, userB)
	if err == nil {
		return channel, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	channel = &MessageChannel{
		ID:              DMChannelID(serverID, userA, userB),
		MessageServerID: serverID,
		Name:            name,
		Type:            ChannelTypeDM,
		SourceType:      SourceTypeHub,
	}
	if err := s.CreateChannel(ctx, channel, []string{userA, userB}); err != nil {
		return nil, fmt.Errorf("creating dm channel: %w", err)
	}
	return channel, nil
}

// FindDMChannel returns the existing direct channel for a user pair on a server,
// or ErrNotFound.
func (s *SQLiteStore) FindDMChannel(ctx context.Context, userA, userB, serverID string) (*MessageChannel, error) {
	return s.findDMChannel(ctx, serverID, DMChannelName(userA, userB), userA, userB)
}

// findDMChannel looks up a DM by its derived name first, then by an exact
// two-member participant set for channels created under another name.
func (s *SQLiteStore) findDMChannel(ctx context.Context, serverID, name, userA, userB string) (*MessageChannel, error) {
	channel, err := scanChannel(s.db.QueryRowContext(ctx, `
		SELECT `+channelColumns+`
		FROM message_channels
		WHERE message_server_id = ? AND type = ? AND name = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, serverID, string(ChannelTypeDM), name))
	if err == nil {
		return channel, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying dm channel by name: %w", err)
	}

	channel, err = scanChannel(s.db.QueryRowContext(ctx, `
		SELECT `+channelColumns+`
		FROM message_channels c
		WHERE c.message_server_id = ? AND c.type = ?
		  AND (SELECT COUNT(*) FROM channel_participants p WHERE p.channel_id = c.id) = 2
		  AND EXISTS (SELECT 1 FROM channel_participants p WHERE p.channel_id = c.id AND p.user_id = ?)
		  AND EXISTS (SELECT 1 FROM channel_participants p WHERE p.channel_id = c.id AND p.user_id = ?)
		ORDER BY c.created_at ASC, c.id ASC
		LIMIT 1
	`, serverID, string(ChannelTypeDM), userA, userB))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying dm channel by participants: %w", err)
	}
	return channel, nil
}

func scanChannel(row rowScanner) (*MessageChannel, error) {
	var channel MessageChannel
	var channelType string
	var sourceType, sourceID, topic sql.NullString
	var createdAtStr, updatedAtStr string

	if err := row.Scan(
		&channel.ID,
		&channel.MessageServerID,
		&channel.Name,
		&channelType,
		&sourceType,
		&sourceID,
		&topic,
		&channel.Metadata,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	channel.Type = ChannelType(channelType)
	channel.SourceType = fromNull(sourceType)
	channel.SourceID = fromNull(sourceID)
	channel.Topic = fromNull(topic)

	var err error
	if channel.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	if channel.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, err
	}
	return &channel, nil
}

// AddParticipants adds users to a channel. Users already present are skipped.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) AddParticipants(ctx context.Context, channelID string, userIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	ok, err := exists(ctx, tx, `SELECT 1 FROM message_channels WHERE id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("checking channel: %w", err)
	}
	if !ok {
		return ErrNotFound
	}

	if err := insertParticipants(ctx, tx, channelID, userIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing participants: %w", err)
	}
	return nil
}

// RemoveParticipants removes users from a channel. Absent users are ignored.
func (s *SQLiteStore) RemoveParticipants(ctx context.Context, channelID string, userIDs []string) error {
	ids := dedupeIDs(userIDs)
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM channel_participants WHERE channel_id = ? AND user_id = ?`, channelID, id,
		); err != nil {
			return fmt.Errorf("deleting participant %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing participant removal: %w", err)
	}
	return nil
}

// GetParticipants lists a channel's members in join order.
// Returns ErrNotFound if the channel doesn't exist.
func (s *SQLiteStore) GetParticipants(ctx context.Context, channelID string) ([]string, error) {
	ok, err := exists(ctx, s.db, `SELECT 1 FROM message_channels WHERE id = ?`, channelID)
	if err != nil {
		return nil, fmt.Errorf("checking channel: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	users, err := queryStrings(ctx, s.db, `
		SELECT user_id FROM channel_participants
		WHERE channel_id = ?
		ORDER BY created_at ASC, user_id ASC
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	return users, nil
}
