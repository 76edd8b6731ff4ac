package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/blackmichael/bluesky-feedcache/internal/bluesky"
	"github.com/blackmichael/bluesky-feedcache/internal/config"
	"github.com/blackmichael/bluesky-feedcache/internal/timeline"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadTimeline(os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		return nil
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.SlogLevel(cfg.LogLevel),
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cache := timeline.NewCacheClient(timeline.CacheClientConfig{
		BaseURL: cfg.APIURL,
		Token:   cfg.APIToken,
		Timeout: cfg.RequestTimeout,
		Retries: cfg.Retries,
	})

	var live timeline.LiveSource
	if cfg.BlueskyHandle != "" {
		client := bluesky.NewClient(cfg.BlueskyPDS, cfg.RequestTimeout)
		if err := client.Login(ctx, cfg.BlueskyHandle, cfg.BlueskyAppPassword); err != nil {
			logger.Warn("bluesky login failed, showing cached feed only", "error", err)
		} else {
			logger.Info("logged in to bluesky", "did", client.DID(), "handle", client.Handle())
			live = timeline.NewBlueskySource(client, timeline.RetryConfig{Retries: cfg.Retries})
		}
	}

	printer := newPrinter(os.Stdout)
	engine := timeline.NewEngine(cache, live, timeline.Options{
		PageSize:     cfg.PageSize,
		PollInterval: cfg.PollInterval,
		NearTopPx:    cfg.NearTopPx,
		OnChange:     printer.update,
		Logger:       logger,
	})
	engine.Open(timeline.ViewTimeline)
	defer engine.Close()

	if err := engine.Load(ctx); err != nil {
		return fmt.Errorf("load timeline: %w", err)
	}
	for i := 0; i < cfg.Pages; i++ {
		if !engine.Snapshot().HasMore {
			break
		}
		if err := engine.LoadMore(ctx); err != nil {
			logger.Warn("load more failed", "error", err)
			break
		}
	}

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// printer writes each timeline item once, the first time it appears.
type printer struct {
	mu   sync.Mutex
	out  *os.File
	seen map[string]struct{}
}

func newPrinter(out *os.File) *printer {
	return &printer{out: out, seen: make(map[string]struct{})}
}

func (p *printer) update(st timeline.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Items arrive newest first; print oldest first so new posts land at the bottom.
	for i := len(st.Items) - 1; i >= 0; i-- {
		item := st.Items[i]
		if _, ok := p.seen[item.URI]; ok {
			continue
		}
		p.seen[item.URI] = struct{}{}

		when := item.SortTime()
		stamp := "unknown time"
		if !when.IsZero() {
			stamp = when.Local().Format(time.DateTime)
		}
		author := item.Author.Handle
		if author == "" {
			author = item.Author.DID
		}
		fmt.Fprintf(p.out, "[%s] @%s (%s)\n  %s\n", stamp, author, item.Source,
			strings.ReplaceAll(item.Text, "\n", "\n  "))
	}
	if st.Err != "" {
		fmt.Fprintf(p.out, "! %s\n", st.Err)
	}
}
