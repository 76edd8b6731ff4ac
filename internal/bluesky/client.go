package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultPDS = "https://bsky.social"

// Client is a minimal Bluesky/AT Protocol API client for reading the
// logged-in user's home timeline.
type Client struct {
	pds        string
	httpClient *http.Client

	// populated after Login
	accessJwt string
	did       string
	handle    string
}

// NewClient creates a new Bluesky API client. If pds is empty, it defaults to
// https://bsky.social. A zero timeout means 30s.
func NewClient(pds string, timeout time.Duration) *Client {
	if pds == "" {
		pds = defaultPDS
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		pds: pds,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// APIError is a non-2xx response from the PDS.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Login authenticates with the PDS and stores the session token. Use an App
// Password, not your account password.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	body := map[string]string{
		"identifier": identifier,
		"password":   password,
	}

	var resp createSessionResponse
	if err := c.do(ctx, http.MethodPost, "/xrpc/com.atproto.server.createSession", body, &resp); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	c.accessJwt = resp.AccessJwt
	c.did = resp.DID
	c.handle = resp.Handle
	return nil
}

// DID returns the authenticated user's DID. Only valid after Login.
func (c *Client) DID() string {
	return c.did
}

// Handle returns the authenticated user's handle. Only valid after Login.
func (c *Client) Handle() string {
	return c.handle
}

// Authenticated reports whether Login has succeeded.
func (c *Client) Authenticated() bool {
	return c.accessJwt != ""
}

// Author is a profile view embedded in a post.
type Author struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// PostRecord is the subset of app.bsky.feed.post the timeline uses.
type PostRecord struct {
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

// PostView is app.bsky.feed.defs#postView.
type PostView struct {
	URI         string          `json:"uri"`
	CID         string          `json:"cid"`
	Author      Author          `json:"author"`
	Record      PostRecord      `json:"record"`
	IndexedAt   string          `json:"indexedAt"`
	LikeCount   int             `json:"likeCount"`
	RepostCount int             `json:"repostCount"`
	ReplyCount  int             `json:"replyCount"`
	Raw         json.RawMessage `json:"-"`
}

// FeedViewPost is one entry of a timeline.
type FeedViewPost struct {
	Post PostView `json:"post"`
}

// Timeline is a page of app.bsky.feed.getTimeline.
type Timeline struct {
	Feed   []FeedViewPost `json:"feed"`
	Cursor string         `json:"cursor,omitempty"`
}

// GetTimeline fetches the authenticated user's home timeline.
func (c *Client) GetTimeline(ctx context.Context, limit int, cursor string) (*Timeline, error) {
	if !c.Authenticated() {
		return nil, fmt.Errorf("not authenticated: call Login first")
	}

	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var raw struct {
		Feed []struct {
			Post json.RawMessage `json:"post"`
		} `json:"feed"`
		Cursor string `json:"cursor"`
	}
	if err := c.do(ctx, http.MethodGet, "/xrpc/app.bsky.feed.getTimeline?"+q.Encode(), nil, &raw); err != nil {
		return nil, fmt.Errorf("get timeline: %w", err)
	}

	tl := &Timeline{Cursor: raw.Cursor, Feed: make([]FeedViewPost, 0, len(raw.Feed))}
	for _, item := range raw.Feed {
		var post PostView
		if err := json.Unmarshal(item.Post, &post); err != nil {
			return nil, fmt.Errorf("unmarshal post view: %w", err)
		}
		post.Raw = item.Post
		tl.Feed = append(tl.Feed, FeedViewPost{Post: post})
	}
	return tl, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.pds+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessJwt != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessJwt)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

type createSessionResponse struct {
	AccessJwt string `json:"accessJwt"`
	DID       string `json:"did"`
	Handle    string `json:"handle"`
}
