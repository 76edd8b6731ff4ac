package timeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blackmichael/bluesky-feedcache/internal/bluesky"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(url string) *CacheClient {
	return NewCacheClient(CacheClientConfig{
		BaseURL:    url,
		Token:      "tok",
		Timeout:    200 * time.Millisecond,
		Retries:    2,
		RetryDelay: time.Millisecond,
	})
}

func TestCacheClientDecodesPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/feed", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "abc", r.URL.Query().Get("cachedCursor"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"items":[{"uri":"u1","text":"hi","createdAt":"2024-01-01T00:00:00Z",` +
			`"author":{"did":"did:plc:a","handle":"a.test"},"origin":"jetstream"}],"cachedCursor":"next","source":"cache"}`))
	}))
	defer srv.Close()

	page, err := newClient(srv.URL).Feed(context.Background(), 5, "abc")
	require.NoError(t, err)
	assert.Equal(t, "next", page.Cursor)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "a.test", page.Items[0].Author.Handle)
	assert.Equal(t, "cache", page.Items[0].Source)
}

func TestCacheClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":"StorageUnavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"items":[],"cachedCursor":""}`))
	}))
	defer srv.Close()

	page, err := newClient(srv.URL).Feed(context.Background(), 0, "")
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCacheClientGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Feed(context.Background(), 0, "")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "got %v", err)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCacheClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"InvalidRequest"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Feed(context.Background(), 0, "bad")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCacheClientRetriesTimeouts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.Write([]byte(`{"items":[{"uri":"u"}]}`))
	}))
	defer srv.Close()

	page, err := newClient(srv.URL).Feed(context.Background(), 0, "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(nil))
	assert.False(t, retryable(context.Canceled))
	assert.True(t, retryable(context.DeadlineExceeded))
	assert.True(t, retryable(&StatusError{StatusCode: 502}))
	assert.False(t, retryable(&StatusError{StatusCode: 401}))
	assert.True(t, retryable(&bluesky.APIError{StatusCode: 429}))
	assert.False(t, retryable(&bluesky.APIError{StatusCode: 404}))
	assert.False(t, retryable(errors.New("decode response: bad json")))
}
