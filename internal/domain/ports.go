package domain

import "context"

// PostRepository defines persistence operations for cached posts.
type PostRepository interface {
	// UpsertPost inserts the post or, when a row with the same URI exists,
	// updates it in a single statement guarded by the store's unique key.
	UpsertPost(ctx context.Context, post *CachedPost) error

	// GetFeedPosts returns up to query.Limit posts visible to query.Audiences,
	// ordered by updated_at descending with ties broken by URI descending,
	// strictly after query.After when set.
	GetFeedPosts(ctx context.Context, query FeedQuery) ([]CachedPost, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// CursorStore persists the ingestion cursor outside process memory.
type CursorStore interface {
	// Load returns the saved cursor. ok is false when nothing has been saved.
	Load(ctx context.Context) (cursor int64, ok bool, err error)

	// Save replaces the saved cursor.
	Save(ctx context.Context, cursor int64) error
}
