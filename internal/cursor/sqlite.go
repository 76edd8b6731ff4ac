package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cursor_state (
	service      TEXT PRIMARY KEY,
	cursor_value INTEGER NOT NULL,
	updated_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
)`

// SQLiteStore keeps the cursor in a local SQLite database.
type SQLiteStore struct {
	db      *sql.DB
	service string
}

// OpenSQLite opens (or creates) the database at path and prepares the schema.
func OpenSQLite(ctx context.Context, path, service string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Single writer; also keeps :memory: databases on one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cursor schema: %w", err)
	}
	return &SQLiteStore{db: db, service: service}, nil
}

// Load reads the saved cursor.
func (s *SQLiteStore) Load(ctx context.Context) (int64, bool, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursor_state WHERE service = ?`, s.service,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor: %w", err)
	}
	return v, true, nil
}

// Save upserts the cursor.
func (s *SQLiteStore) Save(ctx context.Context, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursor_state (service, cursor_value) VALUES (?, ?)
		ON CONFLICT (service) DO UPDATE SET
			cursor_value = excluded.cursor_value,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		s.service, cursor,
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
