// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Handles connection setup, schema creation, migrations and shared row helpers

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrAlreadyExists is returned when an insert collides with an existing primary key
// or unique source reference.
var ErrAlreadyExists = errors.New("already exists")

// ErrInvalidArgument is returned for arguments the store cannot act on.
var ErrInvalidArgument = errors.New("invalid argument")

// timeLayout is fixed-width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Paging bounds for GetMessagesForChannel and GetMessagesBefore.
const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	memory := path == ":memory:"
	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to ":memory:" is a separate database
	if memory {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// buildDSN applies per-connection pragmas. Foreign keys and the busy timeout
// are connection scoped, so they must ride on the DSN rather than a one-off Exec.
func buildDSN(path string) string {
	params := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if path == ":memory:" {
		return "file::memory:?" + params
	}
	return "file:" + path + "?" + params
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS message_servers (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source_id   TEXT,
			metadata    TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS message_channels (
			id                TEXT PRIMARY KEY,
			message_server_id TEXT NOT NULL REFERENCES message_servers(id) ON DELETE CASCADE,
			name              TEXT NOT NULL,
			type              TEXT NOT NULL,
			source_type       TEXT,
			source_id         TEXT,
			topic             TEXT,
			metadata          TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_channels_server
			ON message_channels(message_server_id);

		CREATE INDEX IF NOT EXISTS idx_channels_server_type_name
			ON message_channels(message_server_id, type, name);

		CREATE TABLE IF NOT EXISTS channel_participants (
			channel_id TEXT NOT NULL REFERENCES message_channels(id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (channel_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_channel_participants_user
			ON channel_participants(user_id);

		CREATE TABLE IF NOT EXISTS root_messages (
			id                          TEXT PRIMARY KEY,
			channel_id                  TEXT NOT NULL REFERENCES message_channels(id) ON DELETE CASCADE,
			author_id                   TEXT NOT NULL,
			content                     TEXT NOT NULL,
			raw_message                 TEXT,
			in_reply_to_root_message_id TEXT REFERENCES root_messages(id) ON DELETE SET NULL,
			source_type                 TEXT NOT NULL,
			source_id                   TEXT,
			created_at                  TEXT NOT NULL,
			updated_at                  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_root_messages_channel_created
			ON root_messages(channel_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_root_messages_reply
			ON root_messages(in_reply_to_root_message_id);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_root_messages_source
			ON root_messages(source_type, source_id) WHERE source_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS server_agents (
			message_server_id TEXT NOT NULL REFERENCES message_servers(id) ON DELETE CASCADE,
			agent_id          TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			PRIMARY KEY (message_server_id, agent_id)
		);

		CREATE INDEX IF NOT EXISTS idx_server_agents_agent
			ON server_agents(agent_id);

		CREATE TABLE IF NOT EXISTS conceptual_rooms (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			type           TEXT NOT NULL,
			owner_agent_id TEXT NOT NULL,
			created_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conceptual_room_participants (
			room_id        TEXT NOT NULL REFERENCES conceptual_rooms(id) ON DELETE CASCADE,
			participant_id TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			PRIMARY KEY (room_id, participant_id)
		);

		CREATE TABLE IF NOT EXISTS room_mappings (
			conceptual_room_id TEXT NOT NULL REFERENCES conceptual_rooms(id) ON DELETE CASCADE,
			agent_id           TEXT NOT NULL,
			agent_room_id      TEXT NOT NULL,
			created_at         TEXT NOT NULL,
			PRIMARY KEY (conceptual_room_id, agent_id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "message_channels",
			column: "topic",
			apply:  `ALTER TABLE message_channels ADD COLUMN topic TEXT`,
		},
		{
			table:  "root_messages",
			column: "metadata",
			apply:  `ALTER TABLE root_messages ADD COLUMN metadata TEXT`,
		},
	}

	for _, m := range migrations {
		var found int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	// One DM per user pair per server. Databases that already hold duplicate
	// pairs keep working without the index.
	_, err := s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_dm_pair
			ON message_channels(message_server_id, name) WHERE type = 'DM'
	`)
	if err != nil {
		if !isConstraintViolation(err) {
			return fmt.Errorf("creating dm pair index: %w", err)
		}
		s.logger.Warn("duplicate direct channels found, dm pair index not created", "error", err)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

// nullString returns nil for empty strings so optional columns stay NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNull(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// now is truncated to the stored precision so round-trips compare equal.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// exists reports whether query returns at least one row.
func exists(ctx context.Context, q queryer, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// queryStrings collects a single TEXT column.
func queryStrings(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// dedupeIDs drops empty and repeated ids while keeping first-seen order.
func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)
