// Package storage persists the agent's local transfer log in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/atamanahmet/beamlink/protocol"
)

// Store represents the SQLite storage implementation
type Store struct {
	db *sql.DB
}

// NewStore creates a new SQLite store
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db}

	// Run migrations
	if err := store.runMigrations(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// runMigrations runs SQL migrations
func (s *Store) runMigrations() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS transfer_logs_local (
			id TEXT PRIMARY KEY,
			from_agent_id TEXT NOT NULL,
			from_agent_name TEXT NOT NULL DEFAULT '',
			to_agent_id TEXT NOT NULL,
			to_agent_name TEXT NOT NULL DEFAULT '',
			filename TEXT NOT NULL,
			file_size INTEGER NOT NULL,
			transferred_at DATETIME NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_local_synced ON transfer_logs_local(synced)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// AppendLog records a completed transfer. The id is assigned here, at the
// producer, so the nexus-side merge stays idempotent under replays.
func (s *Store) AppendLog(ctx context.Context, entry protocol.TransferLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	query := `
		INSERT INTO transfer_logs_local (id, from_agent_id, from_agent_name, to_agent_id, to_agent_name, filename, file_size, transferred_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID.String(), entry.FromAgentID.String(), entry.FromAgentName,
		entry.ToAgentID.String(), entry.ToAgentName, entry.Filename,
		entry.FileSize, entry.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append transfer log: %w", err)
	}
	return nil
}

// ListUnsynced returns entries not yet acknowledged by the nexus.
func (s *Store) ListUnsynced(ctx context.Context, limit int) ([]protocol.TransferLogEntry, error) {
	query := `
		SELECT id, from_agent_id, from_agent_name, to_agent_id, to_agent_name, filename, file_size, transferred_at
		FROM transfer_logs_local
		WHERE synced = 0
		ORDER BY transferred_at ASC
	`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced logs: %w", err)
	}
	defer rows.Close()

	var entries []protocol.TransferLogEntry
	for rows.Next() {
		var entry protocol.TransferLogEntry
		var id, fromID, toID string
		if err := rows.Scan(&id, &fromID, &entry.FromAgentName, &toID, &entry.ToAgentName,
			&entry.Filename, &entry.FileSize, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transfer log: %w", err)
		}
		if entry.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("corrupt log id %q: %w", id, err)
		}
		entry.FromAgentID, _ = uuid.Parse(fromID)
		entry.ToAgentID, _ = uuid.Parse(toID)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CountUnsynced returns how many entries await acknowledgement.
func (s *Store) CountUnsynced(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfer_logs_local WHERE synced = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced logs: %w", err)
	}
	return count, nil
}

// MarkSynced flags entries the nexus confirmed holding.
func (s *Store) MarkSynced(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := `UPDATE transfer_logs_local SET synced = 1 WHERE id IN (` + placeholders + `)`
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark logs synced: %w", err)
	}
	return nil
}

// PruneSynced deletes acknowledged entries older than the retention window.
func (s *Store) PruneSynced(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan).UTC()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM transfer_logs_local WHERE synced = 1 AND transferred_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune synced logs: %w", err)
	}
	return nil
}
