package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/blackmichael/bluesky-feedcache/internal/domain"
	"github.com/lib/pq"
)

// Config holds connection settings for the cache store.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open creates a connection pool for the given configuration. It does not
// contact the server; use Repository.Ping for that.
func Open(cfg Config) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: database URL is required", domain.ErrStorageUnavailable)
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// Repository implements domain.PostRepository using PostgreSQL.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps an open connection pool.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping verifies the store is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// upsertQuery is the sole mutation of cached_posts. The unique constraint on
// uri serializes concurrent writers. Owner, source account and origin are only
// replaced by an authenticated write (owner_user_id > 0); empty identity and
// timestamp fields never blank out known values. updated_at strictly increases.
const upsertQuery = `
	INSERT INTO cached_posts (
		owner_user_id, source_account_id, origin, uri, cid,
		author_did, author_handle, text, created_at_iso, indexed_at_iso,
		audience, requires_auth_to_interact, raw, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9, $10,
		$11, $12, $13::jsonb, clock_timestamp(), clock_timestamp()
	)
	ON CONFLICT (uri) DO UPDATE SET
		owner_user_id = CASE WHEN EXCLUDED.owner_user_id > 0
			THEN EXCLUDED.owner_user_id ELSE cached_posts.owner_user_id END,
		source_account_id = CASE WHEN EXCLUDED.source_account_id > 0
			THEN EXCLUDED.source_account_id ELSE cached_posts.source_account_id END,
		origin = CASE WHEN EXCLUDED.owner_user_id > 0
			THEN EXCLUDED.origin ELSE cached_posts.origin END,
		cid = COALESCE(NULLIF(EXCLUDED.cid, ''), cached_posts.cid),
		author_did = COALESCE(NULLIF(EXCLUDED.author_did, ''), cached_posts.author_did),
		author_handle = COALESCE(NULLIF(EXCLUDED.author_handle, ''), cached_posts.author_handle),
		text = EXCLUDED.text,
		created_at_iso = COALESCE(NULLIF(EXCLUDED.created_at_iso, ''), cached_posts.created_at_iso),
		indexed_at_iso = COALESCE(NULLIF(EXCLUDED.indexed_at_iso, ''), cached_posts.indexed_at_iso),
		audience = EXCLUDED.audience,
		requires_auth_to_interact = EXCLUDED.requires_auth_to_interact,
		raw = EXCLUDED.raw,
		updated_at = GREATEST(clock_timestamp(), cached_posts.updated_at + interval '1 microsecond')`

// UpsertPost inserts or updates a post keyed by its URI.
func (r *Repository) UpsertPost(ctx context.Context, post *domain.CachedPost) error {
	_, err := r.db.ExecContext(ctx, upsertQuery,
		post.OwnerUserID,
		post.SourceAccountID,
		post.Origin,
		post.URI,
		post.CID,
		post.AuthorDID,
		post.AuthorHandle,
		post.Text,
		post.CreatedAtISO,
		post.IndexedAtISO,
		post.Audience,
		post.RequiresAuthToInteract,
		rawJSON(post.Raw),
	)
	if err != nil {
		return classify(fmt.Errorf("upsert %s: %w", post.URI, err))
	}
	return nil
}

const feedColumns = `
	id, uri, COALESCE(cid, ''), owner_user_id, source_account_id, origin,
	COALESCE(author_did, ''), COALESCE(author_handle, ''), COALESCE(text, ''),
	COALESCE(created_at_iso, ''), COALESCE(indexed_at_iso, ''), audience,
	requires_auth_to_interact, raw, created_at, updated_at`

// GetFeedPosts retrieves posts visible to the query's audiences, newest
// update first, strictly after the query cursor.
func (r *Repository) GetFeedPosts(ctx context.Context, query domain.FeedQuery) ([]domain.CachedPost, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if query.After != nil {
		rows, err = r.db.QueryContext(ctx, `
			SELECT`+feedColumns+`
			FROM cached_posts
			WHERE audience = ANY($1)
			  AND (updated_at, uri) < ($2, $3)
			ORDER BY updated_at DESC, uri DESC
			LIMIT $4`,
			pq.Array(query.Audiences), query.After.UpdatedAt, query.After.URI, query.Limit,
		)
		if err != nil {
			return nil, classify(fmt.Errorf("query posts with cursor (time=%v, uri=%s, limit=%d): %w",
				query.After.UpdatedAt, query.After.URI, query.Limit, err))
		}
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT`+feedColumns+`
			FROM cached_posts
			WHERE audience = ANY($1)
			ORDER BY updated_at DESC, uri DESC
			LIMIT $2`,
			pq.Array(query.Audiences), query.Limit,
		)
		if err != nil {
			return nil, classify(fmt.Errorf("query posts without cursor (limit=%d): %w", query.Limit, err))
		}
	}
	defer rows.Close()

	var posts []domain.CachedPost
	for rows.Next() {
		var (
			p   domain.CachedPost
			raw []byte
		)
		err := rows.Scan(
			&p.ID,
			&p.URI,
			&p.CID,
			&p.OwnerUserID,
			&p.SourceAccountID,
			&p.Origin,
			&p.AuthorDID,
			&p.AuthorHandle,
			&p.Text,
			&p.CreatedAtISO,
			&p.IndexedAtISO,
			&p.Audience,
			&p.RequiresAuthToInteract,
			&raw,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		if len(raw) > 0 {
			p.Raw = raw
		}
		posts = append(posts, p)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate posts: %w", err))
	}

	return posts, nil
}

// rawJSON converts a raw payload into a jsonb parameter. lib/pq sends []byte
// as bytea, so the document travels as text.
func rawJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// classify marks connection-level and configuration failures as
// domain.ErrStorageUnavailable so callers can tell an unusable store from a
// rejected statement.
func classify(err error) error {
	if err == nil || !isUnavailable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return unavailableCode(string(pqErr.Code))
	}
	return false
}

// unavailableCode reports SQLSTATEs of an unreachable or misconfigured store:
// connection failures, shutdowns, bad credentials, a missing database or
// schema, and exhausted server resources.
func unavailableCode(code string) bool {
	switch code {
	case "57P01", "57P02", "57P03", "3D000", "42P01":
		return true
	}
	return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "28") || strings.HasPrefix(code, "53")
}
