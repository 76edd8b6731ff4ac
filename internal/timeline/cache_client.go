package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
)

// CachePage is one page of the cache read API.
type CachePage struct {
	Items  []FeedItem `json:"items"`
	Cursor string     `json:"cachedCursor"`
	Source string     `json:"source"`
}

// CacheSource reads pages of the cached feed.
type CacheSource interface {
	Feed(ctx context.Context, limit int, cursor string) (*CachePage, error)
}

// StatusError is a non-2xx response from the cache API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cache api status %d: %s", e.StatusCode, e.Body)
}

// CacheClientConfig configures a CacheClient.
type CacheClientConfig struct {
	BaseURL string
	Token   string

	// Timeout bounds each attempt.
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// CacheClient calls GET /feed on the cache API.
type CacheClient struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	executor   failsafe.Executor[*CachePage]
}

// NewCacheClient creates a client. Timeouts, 429 and 5xx responses are
// retried; everything else fails immediately.
func NewCacheClient(cfg CacheClientConfig) *CacheClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	return &CacheClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
		executor:   newExecutor[*CachePage](RetryConfig{Retries: cfg.Retries, Delay: cfg.RetryDelay}),
	}
}

// Feed fetches one page. An empty cursor requests the first page.
func (c *CacheClient) Feed(ctx context.Context, limit int, cursor string) (*CachePage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cachedCursor", cursor)
	}
	target := c.baseURL + "/feed"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	page, err := c.executor.WithContext(ctx).Get(func() (*CachePage, error) {
		return c.fetch(ctx, target)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch cached feed: %w", err)
	}
	for i := range page.Items {
		page.Items[i].Source = "cache"
	}
	return page, nil
}

func (c *CacheClient) fetch(ctx context.Context, target string) (*CachePage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var page CachePage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &page, nil
}
