package domain

// FeedPage is one page of the cache read API.
type FeedPage struct {
	Posts []CachedPost

	// Cursor resumes after the last post of this page. Empty when there are
	// no further rows.
	Cursor string
}

// FeedQuery is the repository-level read request.
type FeedQuery struct {
	Limit     int
	After     *PageCursor
	Audiences []string
}

// BulkResult reports the outcome of a bulk upsert.
type BulkResult struct {
	Processed int
	Skipped   int
	Failed    int
}
