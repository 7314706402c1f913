// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent record persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			uuid TEXT,
			state TEXT NOT NULL,
			queue TEXT,
			last_heard_from TEXT,
			shutdown_reason TEXT,
			shutdown_signal INTEGER NOT NULL DEFAULT 0,
			connection_time TEXT,
			creation_time TEXT NOT NULL,
			expiry_time TEXT,
			expired INTEGER NOT NULL DEFAULT 0,
			job_uuid TEXT,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_creation ON agents(creation_time);

		CREATE TABLE IF NOT EXISTS agent_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_agent ON agent_transitions(agent_id, id);

		CREATE TABLE IF NOT EXISTS config_overrides (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveAgent inserts or replaces an agent record.
func (s *SQLiteStore) SaveAgent(ctx context.Context, rec *AgentRecord) error {
	query := `
		INSERT INTO agents (id, uuid, state, queue, last_heard_from, shutdown_reason, shutdown_signal,
			connection_time, creation_time, expiry_time, expired, job_uuid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			uuid = excluded.uuid,
			state = excluded.state,
			queue = excluded.queue,
			last_heard_from = excluded.last_heard_from,
			shutdown_reason = excluded.shutdown_reason,
			shutdown_signal = excluded.shutdown_signal,
			connection_time = excluded.connection_time,
			expiry_time = excluded.expiry_time,
			expired = excluded.expired,
			job_uuid = excluded.job_uuid,
			updated_at = excluded.updated_at
	`

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		nullString(rec.UUID),
		rec.State,
		nullString(rec.Queue),
		nullTime(rec.LastHeardFrom),
		nullString(rec.ShutdownReason),
		rec.ShutdownSignal,
		nullTime(rec.ConnectionTime),
		formatTime(rec.CreationTime),
		nullTime(rec.ExpiryTime),
		rec.Expired,
		nullString(rec.JobUUID),
		formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving agent: %w", err)
	}

	s.logger.Debug("saved agent", "agent_id", rec.ID, "state", rec.State)
	return nil
}

const agentColumns = `id, uuid, state, queue, last_heard_from, shutdown_reason, shutdown_signal,
	connection_time, creation_time, expiry_time, expired, job_uuid, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var rec AgentRecord
	var agentUUID, queue, reason, jobUUID sql.NullString
	var lastHeard, connTime, expiry sql.NullString
	var creation, updated string

	err := row.Scan(
		&rec.ID,
		&agentUUID,
		&rec.State,
		&queue,
		&lastHeard,
		&reason,
		&rec.ShutdownSignal,
		&connTime,
		&creation,
		&expiry,
		&rec.Expired,
		&jobUUID,
		&updated,
	)
	if err != nil {
		return nil, err
	}

	rec.UUID = agentUUID.String
	rec.Queue = queue.String
	rec.ShutdownReason = reason.String
	rec.JobUUID = jobUUID.String

	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&rec.LastHeardFrom, lastHeard.String},
		{&rec.ConnectionTime, connTime.String},
		{&rec.CreationTime, creation},
		{&rec.ExpiryTime, expiry.String},
		{&rec.UpdatedAt, updated},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// GetAgent retrieves an agent record by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	rec, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return rec, nil
}

// ListAgents returns agent records ordered by creation time.
func (s *SQLiteStore) ListAgents(ctx context.Context, limit int) ([]*AgentRecord, error) {
	query := `SELECT ` + agentColumns + ` FROM agents ORDER BY creation_time ASC, id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var recs []*AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return recs, nil
}

// DeleteAgent removes an agent record and its transitions.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTransition records a state change. The agent must exist.
func (s *SQLiteStore) AppendTransition(ctx context.Context, t *Transition) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_transitions (agent_id, from_state, to_state, created_at) VALUES (?, ?, ?, ?)`,
		t.AgentID, t.FromState, t.ToState, formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("inserting transition: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		t.ID = id
	}
	return nil
}

// ListTransitions returns an agent's transitions, oldest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, agentID string, limit int) ([]*Transition, error) {
	query := `SELECT id, agent_id, from_state, to_state, created_at FROM agent_transitions
		WHERE agent_id = ? ORDER BY id ASC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		var t Transition
		var createdAt string
		if err := rows.Scan(&t.ID, &t.AgentID, &t.FromState, &t.ToState, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitions: %w", err)
	}
	return out, nil
}

// SetConfig stores a configuration override.
func (s *SQLiteStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_overrides (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("saving config %s: %w", key, err)
	}
	s.logger.Debug("saved config override", "key", key)
	return nil
}

// GetConfig returns a configuration override.
// Returns ErrNotFound if the key has no override.
func (s *SQLiteStore) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config_overrides WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying config %s: %w", key, err)
	}
	return value, nil
}

// ListConfig returns every configuration override.
func (s *SQLiteStore) ListConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config_overrides`)
	if err != nil {
		return nil, fmt.Errorf("querying config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning config: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}
