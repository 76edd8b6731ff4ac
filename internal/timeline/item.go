// Package timeline merges the cached feed with a live per-user source into a
// single ordered, deduplicated timeline.
package timeline

import (
	"cmp"
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// Author is the profile attached to a feed item.
type Author struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// FeedItem is a post as rendered in the timeline, from either source.
type FeedItem struct {
	URI         string `json:"uri"`
	CID         string `json:"cid"`
	Text        string `json:"text"`
	CreatedAt   string `json:"createdAt"`
	IndexedAt   string `json:"indexedAt"`
	Author      Author `json:"author"`
	LikeCount   *int   `json:"likeCount,omitempty"`
	RepostCount *int   `json:"repostCount,omitempty"`
	ReplyCount  *int   `json:"replyCount,omitempty"`

	// Raw is the source's full payload for the post.
	Raw json.RawMessage `json:"raw,omitempty"`

	// Source is "cache" or "live".
	Source string `json:"source,omitempty"`
}

// SortTime is the item's ordering timestamp: indexedAt when present,
// createdAt otherwise, and the zero time when neither parses.
func (i FeedItem) SortTime() time.Time {
	ts := i.IndexedAt
	if strings.TrimSpace(ts) == "" {
		ts = i.CreatedAt
	}
	return parseTimestamp(ts)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// MergeAndSort concatenates lists, drops items without a URI, keeps the first
// occurrence of each URI, and sorts newest first with ties broken by URI
// descending. Earlier lists take precedence for duplicates.
func MergeAndSort(lists ...[]FeedItem) []FeedItem {
	total := 0
	for _, l := range lists {
		total += len(l)
	}

	seen := make(map[string]struct{}, total)
	merged := make([]FeedItem, 0, total)
	for _, l := range lists {
		for _, item := range l {
			if item.URI == "" {
				continue
			}
			if _, dup := seen[item.URI]; dup {
				continue
			}
			seen[item.URI] = struct{}{}
			merged = append(merged, item)
		}
	}

	// The zero time is year 1, so items without a timestamp sort oldest.
	keys := make(map[string]time.Time, len(merged))
	for _, item := range merged {
		keys[item.URI] = item.SortTime()
	}
	slices.SortStableFunc(merged, func(a, b FeedItem) int {
		if c := keys[b.URI].Compare(keys[a.URI]); c != 0 {
			return c
		}
		return cmp.Compare(b.URI, a.URI)
	})
	return merged
}
