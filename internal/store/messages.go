// ABOUTME: Root message persistence with newest-first paging and reply integrity checks
// ABOUTME: Replies must target a message in the same channel; deleting a target clears the reference

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `id, channel_id, author_id, content, raw_message, in_reply_to_root_message_id,
	source_type, source_id, metadata, created_at, updated_at`

// CreateMessage persists a root message. A missing ID is generated and the
// timestamps default to now.
// Returns ErrNotFound if the channel doesn't exist, ErrInvalidReply if the reply
// target is missing or in another channel, and ErrAlreadyExists if the ID or the
// (source type, source id) pair is already stored.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *RootMessage) error {
	if msg.ChannelID == "" || msg.AuthorID == "" {
		return fmt.Errorf("%w: channel id and author id are required", ErrInvalidArgument)
	}
	if !msg.Metadata.Valid() || !msg.RawMessage.Valid() {
		return fmt.Errorf("%w: metadata and raw message must be JSON objects", ErrInvalidArgument)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SourceType == "" {
		msg.SourceType = SourceTypeHub
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	ok, err := exists(ctx, tx, `SELECT 1 FROM message_channels WHERE id = ?`, msg.ChannelID)
	if err != nil {
		return fmt.Errorf("checking channel: %w", err)
	}
	if !ok {
		return fmt.Errorf("channel %s: %w", msg.ChannelID, ErrNotFound)
	}

	if msg.InReplyToRootMessageID != "" {
		var replyChannel string
		err := tx.QueryRowContext(ctx,
			`SELECT channel_id FROM root_messages WHERE id = ?`, msg.InReplyToRootMessageID,
		).Scan(&replyChannel)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && replyChannel != msg.ChannelID) {
			return ErrInvalidReply
		}
		if err != nil {
			return fmt.Errorf("checking reply target: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO root_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ChannelID,
		msg.AuthorID,
		msg.Content,
		msg.RawMessage,
		nullString(msg.InReplyToRootMessageID),
		msg.SourceType,
		nullString(msg.SourceID),
		msg.Metadata,
		formatTime(msg.CreatedAt),
		formatTime(msg.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("created message", "id", msg.ID, "channel_id", msg.ChannelID, "source_type", msg.SourceType)
	return nil
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*RootMessage, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM root_messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// FindMessageBySource returns the message ingested from an upstream reference.
// Returns ErrNotFound if none was stored.
func (s *SQLiteStore) FindMessageBySource(ctx context.Context, sourceType, sourceID string) (*RootMessage, error) {
	if sourceID == "" {
		return nil, ErrNotFound
	}

	msg, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM root_messages WHERE source_type = ? AND source_id = ?`,
		sourceType, sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message by source: %w", err)
	}
	return msg, nil
}

// GetMessagesForChannel returns up to limit messages, newest first. A non-zero
// before is an exclusive upper bound on CreatedAt for backward paging.
// If limit is 0 or negative, a default limit of 50 is used.
func (s *SQLiteStore) GetMessagesForChannel(ctx context.Context, channelID string, limit int, before time.Time) ([]*RootMessage, error) {
	if before.IsZero() {
		return s.listMessages(ctx, channelID, limit, "")
	}
	return s.listMessages(ctx, channelID, limit, ` AND created_at < ?`, formatTime(before))
}

// GetMessagesBefore returns up to limit messages older than the message
// cursorID, newest first. Messages sharing the cursor's CreatedAt are ordered
// by insertion, so paging with the last id of each page neither skips nor
// repeats rows.
// Returns ErrNotFound if cursorID is not a message in the channel.
func (s *SQLiteStore) GetMessagesBefore(ctx context.Context, channelID string, limit int, cursorID string) ([]*RootMessage, error) {
	var createdAt string
	var rowid int64
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, rowid FROM root_messages WHERE id = ? AND channel_id = ?`, cursorID, channelID,
	).Scan(&createdAt, &rowid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying cursor message: %w", err)
	}

	return s.listMessages(ctx, channelID, limit,
		` AND (created_at < ? OR (created_at = ? AND rowid < ?))`, createdAt, createdAt, rowid)
}

func (s *SQLiteStore) listMessages(ctx context.Context, channelID string, limit int, bound string, boundArgs ...any) ([]*RootMessage, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	query := `SELECT ` + messageColumns + ` FROM root_messages WHERE channel_id = ?` + bound
	args := append([]any{channelID}, boundArgs...)
	// rowid breaks ties between messages committed within the same microsecond
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	messages := []*RootMessage{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// DeleteMessage removes one message. Replies to it keep existing with their
// reply reference cleared.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM root_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted message", "id", id)
	return nil
}

// ClearChannelMessages deletes every message in a channel and returns how many
// were removed. The channel and its participants are kept.
func (s *SQLiteStore) ClearChannelMessages(ctx context.Context, channelID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM root_messages WHERE channel_id = ?`, channelID)
	if err != nil {
		return 0, fmt.Errorf("clearing channel messages: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	s.logger.Debug("cleared channel messages", "channel_id", channelID, "count", rowsAffected)
	return rowsAffected, nil
}

func scanMessage(row rowScanner) (*RootMessage, error) {
	var msg RootMessage
	var replyTo, sourceID sql.NullString
	var createdAtStr, updatedAtStr string

	if err := row.Scan(
		&msg.ID,
		&msg.ChannelID,
		&msg.AuthorID,
		&msg.Content,
		&msg.RawMessage,
		&replyTo,
		&msg.SourceType,
		&sourceID,
		&msg.Metadata,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	msg.InReplyToRootMessageID = fromNull(replyTo)
	msg.SourceID = fromNull(sourceID)

	var err error
	if msg.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	if msg.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, err
	}
	return &msg, nil
}
