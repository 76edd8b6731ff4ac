package bluesky

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPDS(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "app-pass" {
			http.Error(w, `{"error":"AuthenticationRequired"}`, http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"accessJwt": "jwt-1",
			"did":       "did:plc:me",
			"handle":    body["identifier"],
		})
	})
	mux.HandleFunc("GET /xrpc/app.bsky.feed.getTimeline", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer jwt-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "c0", r.URL.Query().Get("cursor"))
		w.Write([]byte(`{"cursor":"c1","feed":[
			{"post":{"uri":"at://did:plc:x/app.bsky.feed.post/1","cid":"b1",
				"author":{"did":"did:plc:x","handle":"x.test","displayName":"X","avatar":"https://cdn/x.jpg"},
				"record":{"$type":"app.bsky.feed.post","text":"one","createdAt":"2024-01-02T00:00:00Z"},
				"indexedAt":"2024-01-02T00:00:01Z","likeCount":3,"repostCount":1,"replyCount":2}},
			{"post":{"uri":"at://did:plc:y/app.bsky.feed.post/2","author":{"did":"did:plc:y","handle":"y.test"},
				"record":{"text":"two"}}}
		]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoginAndTimeline(t *testing.T) {
	srv := newPDS(t)
	c := NewClient(srv.URL, 0)

	_, err := c.GetTimeline(context.Background(), 2, "c0")
	require.Error(t, err)

	require.NoError(t, c.Login(context.Background(), "me.test", "app-pass"))
	assert.Equal(t, "did:plc:me", c.DID())
	assert.Equal(t, "me.test", c.Handle())
	assert.True(t, c.Authenticated())

	tl, err := c.GetTimeline(context.Background(), 2, "c0")
	require.NoError(t, err)
	assert.Equal(t, "c1", tl.Cursor)
	require.Len(t, tl.Feed, 2)

	p := tl.Feed[0].Post
	assert.Equal(t, "one", p.Record.Text)
	assert.Equal(t, "X", p.Author.DisplayName)
	assert.Equal(t, 3, p.LikeCount)
	assert.Equal(t, 2, p.ReplyCount)
	assert.Contains(t, string(p.Raw), `"likeCount":3`)
	assert.Empty(t, tl.Feed[1].Post.IndexedAt)
}

func TestLoginFailureIsAPIError(t *testing.T) {
	srv := newPDS(t)
	c := NewClient(srv.URL, 0)

	err := c.Login(context.Background(), "me.test", "wrong")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.False(t, c.Authenticated())
}
