package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CursorStore implements domain.CursorStore on the cursors table, one row per
// service name.
type CursorStore struct {
	db      *sql.DB
	service string
}

// NewCursorStore returns a cursor store for the named service.
func NewCursorStore(db *sql.DB, service string) *CursorStore {
	return &CursorStore{db: db, service: service}
}

// Load retrieves the saved firehose cursor.
func (s *CursorStore) Load(ctx context.Context) (int64, bool, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE service = $1`, s.service,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classify(fmt.Errorf("load cursor: %w", err))
	}
	return cursor, true, nil
}

// Save upserts the firehose cursor.
func (s *CursorStore) Save(ctx context.Context, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (service) DO UPDATE SET cursor_value = $2, updated_at = $3`,
		s.service, cursor, time.Now().UTC(),
	)
	if err != nil {
		return classify(fmt.Errorf("save cursor: %w", err))
	}
	return nil
}
