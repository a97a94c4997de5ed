// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides agent state and reminder persistence with automatic schema creation.

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/threadworks/loom/internal/bus"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "state")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
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

	logger.Info("SQLite state store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_state (
			agent_type TEXT NOT NULL,
			agent_key  TEXT NOT NULL,
			version    INTEGER NOT NULL,
			data       BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (agent_type, agent_key)
		);

		CREATE TABLE IF NOT EXISTS reminders (
			agent_type TEXT NOT NULL,
			agent_key  TEXT NOT NULL,
			name       TEXT NOT NULL,
			due_at     TIMESTAMP NOT NULL,
			period_ms  INTEGER NOT NULL,
			PRIMARY KEY (agent_type, agent_key, name)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// LoadState returns the current snapshot for the agent.
func (s *SQLiteStore) LoadState(ctx context.Context, id bus.AgentID) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version, data, updated_at FROM agent_state WHERE agent_type = ? AND agent_key = ?`,
		id.Type, id.Key,
	)
	snap := &Snapshot{}
	err := row.Scan(&snap.Version, &snap.Data, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading state for %s: %w", id, err)
	}
	return snap, nil
}

// SaveState writes data as version expected+1 with an optimistic guard.
func (s *SQLiteStore) SaveState(ctx context.Context, id bus.AgentID, expected int64, data []byte) error {
	now := time.Now().UTC()
	if expected == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO agent_state (agent_type, agent_key, version, data, updated_at)
			 VALUES (?, ?, 1, ?, ?)`,
			id.Type, id.Key, data, now,
		)
		if err != nil {
			// A concurrent first write trips the primary key.
			return fmt.Errorf("%w: inserting state for %s", ErrVersionConflict, id)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_state SET version = version + 1, data = ?, updated_at = ?
		 WHERE agent_type = ? AND agent_key = ? AND version = ?`,
		data, now, id.Type, id.Key, expected,
	)
	if err != nil {
		return fmt.Errorf("saving state for %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saving state for %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, id, expected)
	}
	return nil
}

// PutReminder inserts or replaces the reminder for (agent, name).
func (s *SQLiteStore) PutReminder(ctx context.Context, r *Reminder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (agent_type, agent_key, name, due_at, period_ms)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (agent_type, agent_key, name)
		 DO UPDATE SET due_at = excluded.due_at, period_ms = excluded.period_ms`,
		r.Agent.Type, r.Agent.Key, r.Name, r.DueAt.UTC(), r.Period.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("storing reminder %s/%s: %w", r.Agent, r.Name, err)
	}
	return nil
}

// DeleteReminder removes the reminder for (agent, name).
func (s *SQLiteStore) DeleteReminder(ctx context.Context, id bus.AgentID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE agent_type = ? AND agent_key = ? AND name = ?`,
		id.Type, id.Key, name,
	)
	if err != nil {
		return fmt.Errorf("deleting reminder %s/%s: %w", id, name, err)
	}
	return nil
}

// ListReminders returns every persisted reminder.
func (s *SQLiteStore) ListReminders(ctx context.Context) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_type, agent_key, name, due_at, period_ms FROM reminders`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing reminders: %w", err)
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		r := &Reminder{}
		var periodMS int64
		if err := rows.Scan(&r.Agent.Type, &r.Agent.Key, &r.Name, &r.DueAt, &periodMS); err != nil {
			return nil, fmt.Errorf("scanning reminder: %w", err)
		}
		r.Period = time.Duration(periodMS) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reminders: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
