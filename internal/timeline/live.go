package timeline

import (
	"context"

	"github.com/blackmichael/bluesky-feedcache/internal/bluesky"
	"github.com/failsafe-go/failsafe-go"
)

// LiveSource returns the most recent window of a per-user feed.
type LiveSource interface {
	Recent(ctx context.Context, limit int) ([]FeedItem, error)
}

type blueskySource struct {
	client   *bluesky.Client
	executor failsafe.Executor[*bluesky.Timeline]
}

// NewBlueskySource adapts a logged-in Bluesky client to a LiveSource. Each
// attempt is bounded by the client's timeout; failed attempts are retried
// like cache API calls.
func NewBlueskySource(client *bluesky.Client, retry RetryConfig) LiveSource {
	return &blueskySource{
		client:   client,
		executor: newExecutor[*bluesky.Timeline](retry),
	}
}

func (s *blueskySource) Recent(ctx context.Context, limit int) ([]FeedItem, error) {
	tl, err := s.executor.WithContext(ctx).Get(func() (*bluesky.Timeline, error) {
		return s.client.GetTimeline(ctx, limit, "")
	})
	if err != nil {
		return nil, err
	}

	items := make([]FeedItem, 0, len(tl.Feed))
	for _, entry := range tl.Feed {
		p := entry.Post
		items = append(items, FeedItem{
			URI:       p.URI,
			CID:       p.CID,
			Text:      p.Record.Text,
			CreatedAt: p.Record.CreatedAt,
			IndexedAt: p.IndexedAt,
			Author: Author{
				DID:         p.Author.DID,
				Handle:      p.Author.Handle,
				DisplayName: p.Author.DisplayName,
				Avatar:      p.Author.Avatar,
			},
			LikeCount:   intPtr(p.LikeCount),
			RepostCount: intPtr(p.RepostCount),
			ReplyCount:  intPtr(p.ReplyCount),
			Raw:         p.Raw,
			Source:      "live",
		})
	}
	return items, nil
}

func intPtr(v int) *int { return &v }
