package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	DefaultFeedLimit = 30
	MaxFeedLimit     = 100
)

// CacheService is the core domain service. It owns the upsert contract shared
// by the ingestion worker and the authenticated bulk endpoint, and serves
// cursor-paginated reads of the cache.
type CacheService struct {
	repo         PostRepository
	logger       *slog.Logger
	defaultLimit int
	maxLimit     int
}

// NewCacheService creates a CacheService. A nil repo is allowed: every
// operation then reports ErrStorageUnavailable.
func NewCacheService(repo PostRepository, logger *slog.Logger, defaultLimit, maxLimit int) *CacheService {
	if maxLimit <= 0 {
		maxLimit = MaxFeedLimit
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = min(DefaultFeedLimit, maxLimit)
	}
	return &CacheService{
		repo:         repo,
		logger:       logger,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// ClampLimit maps a requested page size onto [1, maxLimit]; values <= 0 mean
// the default page size.
func (s *CacheService) ClampLimit(limit int) int {
	if limit <= 0 {
		return s.defaultLimit
	}
	if limit > s.maxLimit {
		return s.maxLimit
	}
	return limit
}

// Upsert writes a single post through the store's idempotent upsert.
func (s *CacheService) Upsert(ctx context.Context, post *CachedPost) error {
	if s.repo == nil {
		return ErrStorageUnavailable
	}
	post.URI = strings.TrimSpace(post.URI)
	if post.URI == "" {
		return fmt.Errorf("%w: uri is required", ErrInvalidPayload)
	}
	post.applyDefaults()

	if err := s.repo.UpsertPost(ctx, post); err != nil {
		return fmt.Errorf("upsert post %s: %w", post.URI, err)
	}
	return nil
}

// BulkUpsert normalizes a loosely shaped payload and upserts every item that
// carries a URI, stamping it with ownerID. Items without a URI are skipped;
// a failed write is logged and counted without aborting the batch.
func (s *CacheService) BulkUpsert(ctx context.Context, ownerID int64, body []byte) (BulkResult, error) {
	var result BulkResult
	if ownerID <= 0 {
		return result, ErrUnauthenticated
	}

	items, err := NormalizeItems(body)
	if err != nil {
		return result, err
	}

	if s.repo == nil {
		return result, ErrStorageUnavailable
	}

	var unavailable int
	for _, item := range items {
		post := PostFromItem(item)
		if post.URI == "" {
			result.Skipped++
			continue
		}
		post.OwnerUserID = ownerID

		if err := s.Upsert(ctx, &post); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Failed++
			if errors.Is(err, ErrStorageUnavailable) {
				unavailable++
			}
			s.logger.Error("bulk upsert item failed", "uri", post.URI, "owner_user_id", ownerID, "error", err)
			continue
		}
		result.Processed++
	}

	if result.Processed == 0 && unavailable > 0 && unavailable == result.Failed {
		return result, ErrStorageUnavailable
	}

	s.logger.Info("bulk upsert complete",
		"owner_user_id", ownerID,
		"processed", result.Processed,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}

// ReadFeed returns one page of cached posts visible to viewer.
func (s *CacheService) ReadFeed(ctx context.Context, limit int, cursor string, viewer Viewer) (*FeedPage, error) {
	after, err := DecodePageCursor(cursor)
	if err != nil {
		return nil, err
	}
	if s.repo == nil {
		return nil, ErrStorageUnavailable
	}

	limit = s.ClampLimit(limit)

	// One extra row tells us whether another page exists.
	posts, err := s.repo.GetFeedPosts(ctx, FeedQuery{
		Limit:     limit + 1,
		After:     after,
		Audiences: viewer.Audiences(),
	})
	if err != nil {
		return nil, fmt.Errorf("get feed posts: %w", err)
	}

	page := &FeedPage{Posts: posts}
	if len(posts) > limit {
		page.Posts = posts[:limit]
		last := page.Posts[limit-1]
		page.Cursor = PageCursor{UpdatedAt: last.UpdatedAt, URI: last.URI}.Encode()
	}

	s.logger.Debug("feed page served", "limit", limit, "returned", len(page.Posts), "has_more", page.Cursor != "")
	return page, nil
}

// Ping reports whether the cache store is reachable.
func (s *CacheService) Ping(ctx context.Context) error {
	if s.repo == nil {
		return ErrStorageUnavailable
	}
	return s.repo.Ping(ctx)
}
