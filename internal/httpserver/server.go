package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/blackmichael/bluesky-feedcache/internal/domain"
	"github.com/blackmichael/bluesky-feedcache/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultMaxBodyBytes = 4 << 20

// FeedService is the cache API the handlers serve.
type FeedService interface {
	ReadFeed(ctx context.Context, limit int, cursor string, viewer domain.Viewer) (*domain.FeedPage, error)
	BulkUpsert(ctx context.Context, ownerID int64, body []byte) (domain.BulkResult, error)
	Ping(ctx context.Context) error
}

// Authenticator resolves the local user id of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (int64, error)
}

// IngestStatus reports the ingestion worker's connection state.
type IngestStatus interface {
	Status() string
}

// Config holds listener settings.
type Config struct {
	Port         int
	MaxBodyBytes int64
	CORSOrigin   string
}

// Deps are the collaborators of the server. Ingest, Metrics and Gatherer are
// optional.
type Deps struct {
	Feeds    FeedService
	Auth     Authenticator
	Ingest   IngestStatus
	Metrics  *metrics.HTTP
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the HTTP server for the cache read and write API.
type Server struct {
	cfg        Config
	deps       Deps
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestID(), recovery(s.logger), withLogging(s.logger), cors(cfg.CORSOrigin))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware())
	}

	r.GET("/feed", s.handleFeed)
	r.POST("/cache/upsert", s.handleUpsert)
	r.GET("/health", s.handleHealth)
	if deps.Gatherer != nil {
		r.GET("/metrics", metrics.Handler(deps.Gatherer))
	}
	s.engine = r

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type feedAuthor struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

type feedItem struct {
	URI                    string          `json:"uri"`
	CID                    string          `json:"cid"`
	Text                   string          `json:"text"`
	CreatedAt              string          `json:"createdAt"`
	IndexedAt              string          `json:"indexedAt"`
	Author                 feedAuthor      `json:"author"`
	Origin                 string          `json:"origin"`
	Audience               string          `json:"audience"`
	RequiresAuthToInteract bool            `json:"requiresAuthToInteract"`
	UpdatedAt              time.Time       `json:"updatedAt"`
	Raw                    json.RawMessage `json:"raw,omitempty"`
}

type feedResponse struct {
	Items        []feedItem `json:"items"`
	CachedCursor string     `json:"cachedCursor"`
	Source       string     `json:"source"`
}

func (s *Server) handleFeed(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil {
			writeError(c, http.StatusBadRequest, "InvalidRequest", "limit must be an integer")
			return
		}
		limit = parsed
	}

	cursor := c.Query("cachedCursor")
	if cursor == "" {
		cursor = c.Query("cursor")
	}

	// Reads are open to anonymous callers; a valid token widens the audience.
	var viewer domain.Viewer
	if s.deps.Auth != nil {
		if uid, err := s.deps.Auth.Authenticate(c.Request); err == nil {
			viewer.UserID = uid
		}
	}

	page, err := s.deps.Feeds.ReadFeed(c.Request.Context(), limit, cursor, viewer)
	if err != nil {
		s.fail(c, err, "failed to read feed")
		return
	}

	resp := feedResponse{
		Items:        make([]feedItem, 0, len(page.Posts)),
		CachedCursor: page.Cursor,
		Source:       "cache",
	}
	for _, p := range page.Posts {
		resp.Items = append(resp.Items, toFeedItem(p))
	}
	c.JSON(http.StatusOK, resp)
}

func toFeedItem(p domain.CachedPost) feedItem {
	return feedItem{
		URI:                    p.URI,
		CID:                    p.CID,
		Text:                   p.Text,
		CreatedAt:              p.CreatedAtISO,
		IndexedAt:              p.IndexedAtISO,
		Author:                 feedAuthor{DID: p.AuthorDID, Handle: p.AuthorHandle},
		Origin:                 p.Origin,
		Audience:               p.Audience,
		RequiresAuthToInteract: p.RequiresAuthToInteract,
		UpdatedAt:              p.UpdatedAt,
		Raw:                    p.Raw,
	}
}

func (s *Server) handleUpsert(c *gin.Context) {
	if s.deps.Auth == nil {
		writeError(c, http.StatusUnauthorized, "Unauthenticated", "authentication required")
		return
	}
	ownerID, err := s.deps.Auth.Authenticate(c.Request)
	if err != nil {
		s.logger.Warn("rejected unauthenticated upsert", "error", err, "request_id", c.GetString(requestIDKey))
		writeError(c, http.StatusUnauthorized, "Unauthenticated", "authentication required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "PayloadTooLarge", "request body too large")
			return
		}
		writeError(c, http.StatusBadRequest, "InvalidRequest", "failed to read request body")
		return
	}

	result, err := s.deps.Feeds.BulkUpsert(c.Request.Context(), ownerID, body)
	if err != nil {
		s.fail(c, err, "bulk upsert failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"processed": result.Processed,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, storage, code := "ok", "ok", http.StatusOK
	if err := s.deps.Feeds.Ping(ctx); err != nil {
		s.logger.Warn("health check: storage unavailable", "error", err)
		status, storage, code = "degraded", "unavailable", http.StatusServiceUnavailable
	}

	ingest := "disabled"
	if s.deps.Ingest != nil {
		ingest = s.deps.Ingest.Status()
	}

	c.JSON(code, gin.H{
		"status":  status,
		"storage": storage,
		"ingest":  ingest,
	})
}

// fail maps a service error onto a response.
func (s *Server) fail(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		writeError(c, http.StatusUnauthorized, "Unauthenticated", "authentication required")
	case errors.Is(err, domain.ErrInvalidPayload), errors.Is(err, domain.ErrInvalidCursor):
		writeError(c, http.StatusBadRequest, "InvalidRequest", err.Error())
	case errors.Is(err, domain.ErrStorageUnavailable):
		s.logger.Error(msg, "error", err, "request_id", c.GetString(requestIDKey))
		writeError(c, http.StatusServiceUnavailable, "StorageUnavailable", "cache store is unavailable")
	default:
		s.logger.Error(msg, "error", err, "request_id", c.GetString(requestIDKey))
		writeError(c, http.StatusInternalServerError, "InternalError", msg)
	}
}

func writeError(c *gin.Context, status int, errType, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   errType,
		"message": message,
	})
}
