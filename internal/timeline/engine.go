package timeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// View names the route the user is looking at.
type View string

const ViewTimeline View = "timeline"

// Options tune an Engine.
type Options struct {
	PageSize     int
	PollInterval time.Duration

	// NearTopPx is the scroll offset up to which polling runs.
	NearTopPx int

	// OnChange, if set, is called with a snapshot after every state change.
	OnChange func(State)

	Logger *slog.Logger
}

// State is a snapshot of the rendered timeline.
type State struct {
	View    View
	Items   []FeedItem
	HasMore bool
	Loading bool

	// Err is the message shown when a load produced nothing.
	Err string
}

type fetchKind int

const (
	fetchLoad fetchKind = iota
	fetchMore
	fetchPoll
)

type inflight struct {
	id     uint64
	cancel context.CancelFunc
}

// Engine keeps one timeline built from the cache API and an optional live
// source. Every fetch runs inside the scope of the currently open view and
// a newer fetch of the same kind cancels the older one.
type Engine struct {
	cache  CacheSource
	live   LiveSource
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	view        View
	scope       context.Context
	cancelScope context.CancelFunc
	inflight    map[fetchKind]inflight
	seq         uint64
	manual      int
	scrollPx    int

	items   []FeedItem
	cursor  string
	hasMore bool
	err     string
}

// NewEngine creates an engine. live may be nil when no account is connected.
func NewEngine(cache CacheSource, live LiveSource, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = 30
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.NearTopPx < 0 {
		opts.NearTopPx = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cache:    cache,
		live:     live,
		opts:     opts,
		logger:   logger,
		inflight: make(map[fetchKind]inflight),
	}
}

// Open switches to view. Fetches started under the previous view are
// cancelled.
func (e *Engine) Open(view View) {
	e.mu.Lock()
	e.closeScopeLocked()
	e.scope, e.cancelScope = context.WithCancel(context.Background())
	e.view = view
	e.err = ""
	e.mu.Unlock()
	e.notify()
}

// Close leaves the current view and cancels its fetches.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closeScopeLocked()
	e.view = ""
	e.mu.Unlock()
}

func (e *Engine) closeScopeLocked() {
	if e.cancelScope != nil {
		e.cancelScope()
	}
	for kind, f := range e.inflight {
		f.cancel()
		delete(e.inflight, kind)
	}
	e.scope, e.cancelScope = nil, nil
}

// SetScrollPosition records how far the user has scrolled from the top.
func (e *Engine) SetScrollPosition(px int) {
	e.mu.Lock()
	e.scrollPx = px
	e.mu.Unlock()
}

// ScrollPosition returns the last recorded scroll offset.
func (e *Engine) ScrollPosition() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scrollPx
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() State {
	return State{
		View:    e.view,
		Items:   append([]FeedItem(nil), e.items...),
		HasMore: e.hasMore,
		Loading: e.manual > 0,
		Err:     e.err,
	}
}

// Load fetches the first page of both sources and replaces the timeline.
// It fails only when nothing was fetched and a source returned an error.
// Cancellation is not an error.
func (e *Engine) Load(ctx context.Context) error {
	fctx, id, ok := e.begin(ctx, fetchLoad)
	if !ok {
		return nil
	}

	res := e.fetchFirst(fctx)

	var result error
	e.mu.Lock()
	if e.finishLocked(fetchLoad, id, fctx) {
		// Live items first so their fresher copies win duplicates.
		merged := MergeAndSort(res.live, res.cacheItems())
		if len(merged) == 0 && res.err() != nil {
			result = res.err()
			e.err = result.Error()
		} else {
			e.items = merged
			e.err = ""
			e.cursor, e.hasMore = "", false
			if res.page != nil {
				e.cursor = res.page.Cursor
				e.hasMore = res.page.Cursor != ""
			}
		}
		e.logPartial(res)
	}
	e.mu.Unlock()
	e.notify()
	return result
}

// LoadMore fetches the next cache page and merges it into the timeline.
func (e *Engine) LoadMore(ctx context.Context) error {
	e.mu.Lock()
	cursor, more := e.cursor, e.hasMore
	e.mu.Unlock()
	if !more || cursor == "" {
		return nil
	}

	fctx, id, ok := e.begin(ctx, fetchMore)
	if !ok {
		return nil
	}

	page, err := e.cache.Feed(fctx, e.opts.PageSize, cursor)

	var result error
	e.mu.Lock()
	if e.finishLocked(fetchMore, id, fctx) {
		if err != nil {
			result = err
			// Items already on screen stay; the failure is only returned.
			if len(e.items) == 0 {
				e.err = err.Error()
			}
		} else {
			e.items = MergeAndSort(e.items, page.Items)
			e.cursor = page.Cursor
			e.hasMore = page.Cursor != ""
			e.err = ""
		}
	}
	e.mu.Unlock()
	e.notify()
	return result
}

// Poll re-reads the first page of both sources and merges new items into
// the timeline. It does nothing when the timeline is not open, when a Load
// or LoadMore is in flight, or when the user has scrolled away from the top.
// Poll errors are never shown to the user.
func (e *Engine) Poll(ctx context.Context) error {
	fctx, id, ok := e.begin(ctx, fetchPoll)
	if !ok {
		return nil
	}

	res := e.fetchFirst(fctx)

	var result error
	changed := false
	e.mu.Lock()
	if e.finishLocked(fetchPoll, id, fctx) {
		if len(res.live) == 0 && len(res.cacheItems()) == 0 && res.err() != nil {
			result = res.err()
		} else {
			e.items = MergeAndSort(res.live, res.cacheItems(), e.items)
			changed = true
		}
	}
	e.mu.Unlock()
	if changed {
		e.notify()
	}
	return result
}

// Run polls on the configured interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Poll(ctx); err != nil {
				e.logger.Debug("timeline poll failed", "error", err)
			}
		}
	}
}

// begin registers a fetch of kind under the open view's scope, cancelling
// any older fetch of the same kind.
func (e *Engine) begin(ctx context.Context, kind fetchKind) (context.Context, uint64, bool) {
	e.mu.Lock()
	if e.scope == nil || e.view != ViewTimeline {
		e.mu.Unlock()
		return nil, 0, false
	}
	if kind == fetchPoll && (e.manual > 0 || e.scrollPx > e.opts.NearTopPx) {
		e.mu.Unlock()
		return nil, 0, false
	}

	if prev, ok := e.inflight[kind]; ok {
		prev.cancel()
	}

	fctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.scope, cancel)
	e.seq++
	id := e.seq
	e.inflight[kind] = inflight{id: id, cancel: func() {
		stop()
		cancel()
	}}
	if kind != fetchPoll {
		e.manual++
	}
	e.mu.Unlock()

	if kind != fetchPoll {
		e.notify()
	}
	return fctx, id, true
}

// finishLocked releases a fetch and reports whether its result should be
// applied: it is still the newest of its kind and was not cancelled.
func (e *Engine) finishLocked(kind fetchKind, id uint64, fctx context.Context) bool {
	if kind != fetchPoll {
		e.manual--
	}

	current := false
	if f, ok := e.inflight[kind]; ok && f.id == id {
		current = true
		delete(e.inflight, kind)
		defer f.cancel()
	}
	return current && fctx.Err() == nil
}

type firstPage struct {
	page     *CachePage
	cacheErr error
	live     []FeedItem
	liveErr  error
}

func (r firstPage) cacheItems() []FeedItem {
	if r.page == nil {
		return nil
	}
	return r.page.Items
}

// err returns the first source error, cache before live.
func (r firstPage) err() error {
	if r.cacheErr != nil {
		return r.cacheErr
	}
	return r.liveErr
}

// fetchFirst reads the first cache page and the live window concurrently.
// Each source fails independently.
func (e *Engine) fetchFirst(ctx context.Context) firstPage {
	var (
		g   errgroup.Group
		res firstPage
	)

	g.Go(func() error {
		res.page, res.cacheErr = e.cache.Feed(ctx, e.opts.PageSize, "")
		return nil
	})
	if e.live != nil {
		g.Go(func() error {
			res.live, res.liveErr = e.live.Recent(ctx, e.opts.PageSize)
			return nil
		})
	}
	_ = g.Wait()

	return res
}

func (e *Engine) logPartial(res firstPage) {
	if res.cacheErr != nil {
		e.logger.Warn("cache source failed", "error", res.cacheErr)
	}
	if res.liveErr != nil {
		e.logger.Warn("live source failed", "error", res.liveErr)
	}
}

func (e *Engine) notify() {
	if e.opts.OnChange == nil {
		return
	}
	e.opts.OnChange(e.Snapshot())
}
