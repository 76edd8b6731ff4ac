package domain

import "errors"

var (
	// ErrUnauthenticated is returned when a write requires an authenticated caller.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrStorageUnavailable is returned when the cache store is unreachable or
	// not configured.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidPayload is returned for request bodies that cannot be normalized
	// into a list of items.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidCursor is returned for page cursors that fail to decode.
	ErrInvalidCursor = errors.New("invalid cursor")
)
