package firehose

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blackmichael/bluesky-feedcache/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeWriter struct {
	mu    sync.Mutex
	posts []domain.CachedPost
	err   error
}

func (w *fakeWriter) Upsert(_ context.Context, post *domain.CachedPost) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.posts = append(w.posts, *post)
	return nil
}

func (w *fakeWriter) snapshot() []domain.CachedPost {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.CachedPost(nil), w.posts...)
}

type memCursor struct {
	mu      sync.Mutex
	value   int64
	ok      bool
	saves   int
	loadErr error
}

func (c *memCursor) Load(context.Context) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.ok, c.loadErr
}

func (c *memCursor) Save(_ context.Context, v int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value, c.ok = v, true
	c.saves++
	return nil
}

func (c *memCursor) get() (int64, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.saves
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSubscriber(cfg Config, w PostWriter, c domain.CursorStore) *Subscriber {
	return NewSubscriber(cfg, w, c, testLogger(), nil)
}

const (
	identityFrame = `{"did":"did:plc:alice","time_us":1725000000000001,"kind":"identity",` +
		`"identity":{"did":"did:plc:alice","handle":"alice.test","seq":1,"time":"2024-08-30T00:00:00Z"}}`
	postFrame = `{"did":"did:plc:alice","time_us":1725000000000002,"kind":"commit",` +
		`"commit":{"rev":"r1","operation":"create","collection":"app.bsky.feed.post","rkey":"3k1",` +
		`"record":{"$type":"app.bsky.feed.post","text":"hello","createdAt":"2024-08-30T00:00:00.000Z"},"cid":"bafy1"}}`
	likeFrame = `{"did":"did:plc:bob","time_us":1725000000000003,"kind":"commit",` +
		`"commit":{"rev":"r2","operation":"create","collection":"app.bsky.feed.like","rkey":"3k2","record":{},"cid":"bafy2"}}`
)

func TestBackoffSequence(t *testing.T) {
	b := newBackoff(500*time.Millisecond, 1.7, 15*time.Second)

	want := []time.Duration{
		500 * time.Millisecond,
		850 * time.Millisecond,
		1445 * time.Millisecond,
		2457 * time.Millisecond,
	}
	for i, w := range want {
		assert.Equal(t, w, nextDelay(b), "attempt %d", i+1)
	}

	for i := 0; i < 10; i++ {
		nextDelay(b)
	}
	assert.Equal(t, 15*time.Second, nextDelay(b))

	b.Reset()
	assert.Equal(t, 500*time.Millisecond, nextDelay(b))
}

func TestBuildURL(t *testing.T) {
	got, err := BuildURL("wss://example.test/subscribe",
		[]string{"app.bsky.feed.post", "app.bsky.feed.repost"},
		[]string{"did:plc:a"}, 0)
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, []string{"app.bsky.feed.post", "app.bsky.feed.repost"}, q["wantedCollections"])
	assert.Equal(t, []string{"did:plc:a"}, q["wantedDids"])
	assert.False(t, q.Has("cursor"))

	got, err = BuildURL("wss://example.test/subscribe", nil, nil, 42)
	require.NoError(t, err)
	assert.Equal(t, "wss://example.test/subscribe?cursor=42", got)
}

func TestResumeCursor(t *testing.T) {
	assert.Equal(t, int64(1725000000000000-2_000_000), ResumeCursor(1725000000000000, 2*time.Second))
	assert.Equal(t, int64(0), ResumeCursor(1_000, 2*time.Second))
	assert.Equal(t, int64(0), ResumeCursor(0, 2*time.Second))
	assert.Equal(t, int64(99), ResumeCursor(99, 0))
}

func TestHandleFrameMalformedDoesNotAdvanceCursor(t *testing.T) {
	w := &fakeWriter{}
	c := &memCursor{}
	s := newTestSubscriber(Config{}, w, c)

	s.handleFrame(context.Background(), []byte(`{"did":"x","time_us":5,`))
	s.handleFrame(context.Background(), []byte(`not json`))

	v, saves := c.get()
	assert.Zero(t, v)
	assert.Zero(t, saves)
	assert.Zero(t, s.Cursor())
	assert.Equal(t, int64(2), s.stats.malformed)
}

func TestHandleFrameNonMatchingStillAdvancesCursor(t *testing.T) {
	w := &fakeWriter{}
	c := &memCursor{}
	s := newTestSubscriber(Config{}, w, c)

	s.handleFrame(context.Background(), []byte(likeFrame))

	v, saves := c.get()
	assert.Equal(t, int64(1725000000000003), v)
	assert.Equal(t, 1, saves)
	assert.Equal(t, int64(1725000000000003), s.Cursor())
	assert.Empty(t, w.snapshot())
}

func TestHandleFrameUpsertsPostWithKnownHandle(t *testing.T) {
	w := &fakeWriter{}
	s := newTestSubscriber(Config{}, w, &memCursor{})

	s.handleFrame(context.Background(), []byte(identityFrame))
	s.handleFrame(context.Background(), []byte(postFrame))

	assert.Equal(t, "alice.test", s.Identities().Handle("did:plc:alice"))

	posts := w.snapshot()
	require.Len(t, posts, 1)
	p := posts[0]
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/3k1", p.URI)
	assert.Equal(t, "bafy1", p.CID)
	assert.Equal(t, int64(0), p.OwnerUserID)
	assert.Equal(t, domain.OriginJetstream, p.Origin)
	assert.Equal(t, domain.AudiencePublic, p.Audience)
	assert.Equal(t, "did:plc:alice", p.AuthorDID)
	assert.Equal(t, "alice.test", p.AuthorHandle)
	assert.Equal(t, "hello", p.Text)
	assert.Equal(t, "2024-08-30T00:00:00.000Z", p.CreatedAtISO)
	assert.Equal(t, time.UnixMicro(1725000000000002).UTC().Format(time.RFC3339Nano), p.IndexedAtISO)
	assert.JSONEq(t, postFrame, string(p.Raw))
}

func TestHandleFrameToleratesMissingRecordFields(t *testing.T) {
	w := &fakeWriter{}
	s := newTestSubscriber(Config{}, w, &memCursor{})

	frame := `{"did":"did:plc:carol","time_us":7,"kind":"commit",` +
		`"commit":{"operation":"update","collection":"app.bsky.feed.post","rkey":"r","record":{"text":12}}}`
	s.handleFrame(context.Background(), []byte(frame))

	posts := w.snapshot()
	require.Len(t, posts, 1)
	assert.Empty(t, posts[0].Text)
	assert.Empty(t, posts[0].CreatedAtISO)
	assert.Empty(t, posts[0].AuthorHandle)
}

func TestHandleFrameSkipsDeletesAndEmptyKeys(t *testing.T) {
	w := &fakeWriter{}
	s := newTestSubscriber(Config{}, w, &memCursor{})

	s.handleFrame(context.Background(), []byte(`{"did":"did:plc:a","time_us":8,"kind":"commit",`+
		`"commit":{"operation":"delete","collection":"app.bsky.feed.post","rkey":"r"}}`))
	s.handleFrame(context.Background(), []byte(`{"did":"did:plc:a","time_us":9,"kind":"commit",`+
		`"commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":"","record":{"text":"x"}}}`))

	assert.Empty(t, w.snapshot())
	assert.Equal(t, int64(9), s.Cursor())
}

func TestHandleFrameUpsertFailureContinues(t *testing.T) {
	w := &fakeWriter{err: errors.New("db down")}
	c := &memCursor{}
	s := newTestSubscriber(Config{}, w, c)

	s.handleFrame(context.Background(), []byte(postFrame))
	s.handleFrame(context.Background(), []byte(likeFrame))

	assert.Equal(t, int64(1), s.stats.failures)
	v, saves := c.get()
	assert.Equal(t, int64(1725000000000003), v)
	assert.Equal(t, 2, saves)
}

func TestRunRetriesWithBackoff(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newTestSubscriber(Config{URL: wsURL(srv)}, &fakeWriter{}, &memCursor{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delays []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 4 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		850 * time.Millisecond,
		1445 * time.Millisecond,
		2457 * time.Millisecond,
	}, delays)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestRunIngestsAndResumesFromRewoundCursor(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	queries := make(chan url.Values, 4)
	var (
		conns    sync.WaitGroup
		attempts atomic.Int32
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		queries <- r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		defer conns.Done()
		defer conn.Close()

		if n == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte(identityFrame))
			conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
			conn.WriteMessage(websocket.TextMessage, []byte(postFrame))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	w := &fakeWriter{}
	c := &memCursor{}
	s := newTestSubscriber(Config{URL: wsURL(srv), Rewind: 2 * time.Second}, w, c)
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	var (
		mu     sync.Mutex
		states []State
	)
	s.onState = func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	first := <-queries
	assert.False(t, first.Has("cursor"))
	assert.Equal(t, []string{"app.bsky.feed.post"}, first["wantedCollections"])

	var second url.Values
	select {
	case second = <-queries:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not reconnect")
	}
	assert.Equal(t, "1724999998000002", second.Get("cursor"))

	cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	srv.CloseClientConnections()
	conns.Wait()

	posts := w.snapshot()
	require.Len(t, posts, 1)
	assert.Equal(t, "alice.test", posts[0].AuthorHandle)

	v, _ := c.get()
	assert.Equal(t, int64(1725000000000002), v)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateConnected)
	assert.Contains(t, states, StateClosed)
	assert.Equal(t, StateDisconnected, states[len(states)-1])
}

func TestRunStartsLiveWhenCursorLoadFails(t *testing.T) {
	s := newTestSubscriber(Config{}, &fakeWriter{}, &memCursor{loadErr: errors.New("disk gone")})
	s.loadCursor(context.Background())
	assert.Zero(t, s.Cursor())
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}
