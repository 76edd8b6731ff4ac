package firehose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/blackmichael/bluesky-feedcache/internal/domain"
	"github.com/blackmichael/bluesky-feedcache/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultURL              = "wss://jetstream2.us-east.bsky.network/subscribe"
	DefaultTargetCollection = "app.bsky.feed.post"

	statsInterval = 30 * time.Second
)

// State is the connection state of the subscriber.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateClosed:
		return "Closed"
	case StateErrored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// Config controls the subscription and reconnect behaviour.
type Config struct {
	URL               string
	WantedCollections []string
	WantedDIDs        []string
	TargetCollection  string
	Rewind            time.Duration
	BackoffInitial    time.Duration
	BackoffFactor     float64
	BackoffMax        time.Duration
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.TargetCollection == "" {
		c.TargetCollection = DefaultTargetCollection
	}
	if len(c.WantedCollections) == 0 {
		c.WantedCollections = []string{c.TargetCollection}
	}
	if c.Rewind < 0 {
		c.Rewind = 0
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1.7
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 15 * time.Second
	}
}

// PostWriter is the upsert contract the subscriber writes through.
type PostWriter interface {
	Upsert(ctx context.Context, post *domain.CachedPost) error
}

// Subscriber keeps a Jetstream subscription open and mirrors matching post
// records into the cache. One connection is active at a time and frames are
// handled sequentially.
type Subscriber struct {
	cfg        Config
	posts      PostWriter
	cursors    domain.CursorStore
	identities *IdentityTable
	logger     *slog.Logger
	metrics    *metrics.Ingest

	dialer  *websocket.Dialer
	sleep   func(ctx context.Context, d time.Duration) error
	onState func(State)

	state  atomic.Int32
	cursor atomic.Int64

	stats     stats
	lastStats time.Time
}

type stats struct {
	frames, malformed, commits, upserts, failures int64
}

// NewSubscriber creates a subscriber. A nil metrics collects into a private
// registry.
func NewSubscriber(
	cfg Config,
	posts PostWriter,
	cursors domain.CursorStore,
	logger *slog.Logger,
	m *metrics.Ingest,
) *Subscriber {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.NewIngest(prometheus.NewRegistry())
	}
	return &Subscriber{
		cfg:        cfg,
		posts:      posts,
		cursors:    cursors,
		identities: NewIdentityTable(),
		logger:     logger,
		metrics:    m,
		dialer:     websocket.DefaultDialer,
		sleep:      sleepContext,
	}
}

// State returns the current connection state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

// Status returns the current state name.
func (s *Subscriber) Status() string {
	return s.State().String()
}

// Cursor returns the last position marker seen.
func (s *Subscriber) Cursor() int64 {
	return s.cursor.Load()
}

// Identities exposes the handle table.
func (s *Subscriber) Identities() *IdentityTable {
	return s.identities
}

// Run connects to Jetstream and processes events until ctx is cancelled.
// Connection failures are always retried.
func (s *Subscriber) Run(ctx context.Context) error {
	s.loadCursor(ctx)
	bo := newBackoff(s.cfg.BackoffInitial, s.cfg.BackoffFactor, s.cfg.BackoffMax)
	s.lastStats = time.Now()

	for {
		if err := ctx.Err(); err != nil {
			s.setState(StateDisconnected)
			return err
		}

		s.setState(StateConnecting)
		err := s.subscribe(ctx, bo.Reset)
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			s.setState(StateClosed)
		} else {
			s.setState(StateErrored)
		}

		delay := nextDelay(bo)
		s.logger.Warn("firehose disconnected, reconnecting",
			"error", err,
			"backoff", delay,
			"resume_cursor", ResumeCursor(s.Cursor(), s.cfg.Rewind),
		)
		s.setState(StateDisconnected)
		s.metrics.Reconnects.Inc()

		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *Subscriber) loadCursor(ctx context.Context) {
	if s.cursors == nil {
		return
	}
	cursor, ok, err := s.cursors.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", "error", err)
		return
	}
	if ok && cursor > 0 {
		s.cursor.Store(cursor)
		s.metrics.Cursor.Set(float64(cursor))
		s.logger.Info("loaded firehose cursor", "cursor", cursor)
	}
}

func (s *Subscriber) subscribe(ctx context.Context, connected func()) error {
	wsURL, err := BuildURL(s.cfg.URL, s.cfg.WantedCollections, s.cfg.WantedDIDs,
		ResumeCursor(s.Cursor(), s.cfg.Rewind))
	if err != nil {
		return err
	}
	s.logger.Info("connecting to firehose", "url", wsURL)

	conn, resp, err := s.dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	s.setState(StateConnected)
	connected()
	s.logger.Info("connected to firehose")

	// ReadMessage does not observe ctx; closing the connection unblocks it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		s.handleFrame(ctx, message)
		s.maybeLogStats()
	}
}

// handleFrame applies one frame: identity table, cursor, then content.
func (s *Subscriber) handleFrame(ctx context.Context, data []byte) {
	event, err := parseEvent(data)
	if err != nil {
		s.stats.malformed++
		s.metrics.Malformed.Inc()
		s.logger.Debug("dropping malformed frame", "error", err)
		return
	}
	s.stats.frames++
	s.metrics.Frames.Inc()

	if event.Kind == kindIdentity && event.Identity != nil {
		s.metrics.Identities.Inc()
		did := event.Identity.DID
		if did == "" {
			did = event.DID
		}
		if did != "" && event.Identity.Handle != "" {
			s.identities.Set(did, event.Identity.Handle)
		}
	}

	if event.TimeUS > 0 {
		s.cursor.Store(event.TimeUS)
		s.metrics.Cursor.Set(float64(event.TimeUS))
		if s.cursors != nil {
			if err := s.cursors.Save(ctx, event.TimeUS); err != nil && ctx.Err() == nil {
				s.logger.Warn("failed to save cursor", "cursor", event.TimeUS, "error", err)
			}
		}
	}

	switch event.Kind {
	case kindCommit:
		if event.Commit != nil {
			s.stats.commits++
			s.metrics.Commits.Inc()
			s.handleCommit(ctx, event, data)
		}
	case kindAccount:
		s.logger.Debug("account event", "did", event.DID)
	}
}

func (s *Subscriber) handleCommit(ctx context.Context, event *jetstreamEvent, frame []byte) {
	commit := event.Commit
	if commit.Collection != s.cfg.TargetCollection || commit.RKey == "" || event.DID == "" {
		return
	}

	switch commit.Operation {
	case opCreate, opUpdate:
	case opDelete:
		// Cached rows are never removed here.
		return
	default:
		return
	}

	record := parseRecord(commit.Record)
	post := &domain.CachedPost{
		URI:          RecordURI(event.DID, commit.Collection, commit.RKey),
		CID:          commit.CID,
		OwnerUserID:  0,
		Origin:       domain.OriginJetstream,
		AuthorDID:    event.DID,
		AuthorHandle: s.identities.Handle(event.DID),
		Text:         record.Text,
		CreatedAtISO: record.CreatedAt,
		Audience:     domain.AudiencePublic,
		Raw:          frame,
	}
	if event.TimeUS > 0 {
		post.IndexedAtISO = time.UnixMicro(event.TimeUS).UTC().Format(time.RFC3339Nano)
	}

	if err := s.posts.Upsert(ctx, post); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.stats.failures++
		s.metrics.Upserts.WithLabelValues("error").Inc()
		s.logger.Error("failed to upsert post", "uri", post.URI, "error", err)
		return
	}
	s.stats.upserts++
	s.metrics.Upserts.WithLabelValues("ok").Inc()
}

func (s *Subscriber) maybeLogStats() {
	if time.Since(s.lastStats) < statsInterval {
		return
	}
	s.logger.Info("firehose stats",
		"frames", s.stats.frames,
		"malformed", s.stats.malformed,
		"commits", s.stats.commits,
		"upserts", s.stats.upserts,
		"failures", s.stats.failures,
		"identities", s.identities.Len(),
		"cursor", s.Cursor(),
	)
	s.lastStats = time.Now()
}

func (s *Subscriber) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	s.metrics.State.Set(float64(st))
	s.logger.Debug("firehose state", "state", st.String())
	if s.onState != nil {
		s.onState(st)
	}
}

// BuildURL returns the subscription URL. A cursor of 0 is omitted so the
// stream starts at the live tip.
func BuildURL(base string, collections, dids []string, cursor int64) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse firehose url: %w", err)
	}
	q := u.Query()
	for _, c := range collections {
		q.Add("wantedCollections", c)
	}
	for _, d := range dids {
		q.Add("wantedDids", d)
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ResumeCursor rewinds cursor (microseconds) by the safety window, never
// below zero.
func ResumeCursor(cursor int64, rewind time.Duration) int64 {
	if cursor <= 0 {
		return 0
	}
	return max(0, cursor-rewind.Microseconds())
}

// RecordURI builds the at:// URI of a record.
func RecordURI(did, collection, rkey string) string {
	return "at://" + did + "/" + collection + "/" + rkey
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
