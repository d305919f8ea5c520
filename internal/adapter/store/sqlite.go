package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"msgline/internal/domain"
)

// SQLiteLastSeenStore implements domain.LastSeenStore using SQLite.
type SQLiteLastSeenStore struct {
	db *sql.DB
}

// NewSQLiteLastSeenStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration. ":memory:" is accepted for tests.
func NewSQLiteLastSeenStore(dbPath string) (*SQLiteLastSeenStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open last-seen db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate last-seen db: %w", err)
	}
	return &SQLiteLastSeenStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS last_seen (
			chat_id    TEXT PRIMARY KEY,
			seen_at    INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteLastSeenStore) Close() error {
	return s.db.Close()
}

// LastSeen returns the timestamp of the last message seen in chatID.
func (s *SQLiteLastSeenStore) LastSeen(ctx context.Context, chatID string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, "SELECT seen_at FROM last_seen WHERE chat_id = ?", chatID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, domain.NewDomainError("LastSeenStore.LastSeen", domain.ErrStore, err.Error())
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// Touch records at as the latest message time for chatID. Older timestamps
// never move a chat backwards.
func (s *SQLiteLastSeenStore) Touch(ctx context.Context, chatID string, at time.Time) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO last_seen (chat_id, seen_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			seen_at    = MAX(last_seen.seen_at, excluded.seen_at),
			updated_at = excluded.updated_at
	`, chatID, at.UnixMilli(), now)
	if err != nil {
		return domain.NewDomainError("LastSeenStore.Touch", domain.ErrStore, err.Error())
	}
	return nil
}

// Prune deletes chats whose last message is older than before and reports
// how many rows were removed.
func (s *SQLiteLastSeenStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM last_seen WHERE seen_at < ?", before.UnixMilli())
	if err != nil {
		return 0, domain.NewDomainError("LastSeenStore.Prune", domain.ErrStore, err.Error())
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of tracked chats.
func (s *SQLiteLastSeenStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM last_seen").Scan(&n); err != nil {
		return 0, domain.NewDomainError("LastSeenStore.Count", domain.ErrStore, err.Error())
	}
	return n, nil
}
