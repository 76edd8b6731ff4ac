package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// envFiles are loaded into the process environment, if present, before
// flags are parsed. Variables already set in the environment win.
var envFiles = []string{".env", ".env.dev"}

// Server is the configuration of cmd/server.
type Server struct {
	Port     int    `long:"port" env:"PORT" default:"3000" description:"HTTP server port"`
	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`

	// Database
	DatabaseURL       string        `long:"database-url" env:"DATABASE_URL" description:"Postgres connection string; overrides the DB_* parts"`
	DBHost            string        `long:"db-host" env:"DB_HOST" default:"localhost" description:"Database host"`
	DBPort            string        `long:"db-port" env:"DB_PORT" default:"5432" description:"Database port"`
	DBName            string        `long:"db-name" env:"DB_NAME" default:"bluesky_feedcache" description:"Database name"`
	DBUser            string        `long:"db-user" env:"DB_USER" default:"postgres" description:"Database user"`
	DBPassword        string        `long:"db-password" env:"DB_PASSWORD" description:"Database password"`
	DBSSLMode         string        `long:"db-sslmode" env:"DB_SSLMODE" default:"disable" description:"Postgres sslmode"`
	DBMaxOpenConns    int           `long:"db-max-open-conns" env:"DB_MAX_OPEN_CONNS" default:"10" description:"Maximum open connections"`
	DBMaxIdleConns    int           `long:"db-max-idle-conns" env:"DB_MAX_IDLE_CONNS" default:"5" description:"Maximum idle connections"`
	DBConnMaxLifetime time.Duration `long:"db-conn-max-lifetime" env:"DB_CONN_MAX_LIFETIME" default:"30m" description:"Maximum connection lifetime"`
	RunMigrations     bool          `long:"run-migrations" env:"RUN_MIGRATIONS" description:"Apply schema migrations at startup"`

	// Ingestion
	IngestDisabled    bool          `long:"no-ingest" env:"INGEST_DISABLED" description:"Serve the API without running the ingestion worker"`
	JetstreamURL      string        `long:"jetstream-url" env:"JETSTREAM_URL" default:"wss://jetstream2.us-east.bsky.network/subscribe" description:"Jetstream WebSocket endpoint"`
	WantedCollections []string      `long:"wanted-collection" env:"WANTED_COLLECTIONS" env-delim:"," description:"Collections to subscribe to (defaults to the target collection)"`
	WantedDIDs        []string      `long:"wanted-did" env:"WANTED_DIDS" env-delim:"," description:"Repositories to subscribe to (empty means all)"`
	TargetCollection  string        `long:"target-collection" env:"TARGET_COLLECTION" default:"app.bsky.feed.post" description:"Collection whose records are cached"`
	CursorBackend     string        `long:"cursor-backend" env:"CURSOR_BACKEND" default:"file" choice:"file" choice:"sqlite" choice:"postgres" description:"Where the firehose cursor is persisted"`
	CursorFile        string        `long:"cursor-file" env:"CURSOR_FILE" default:"data/jetstream-cursor.txt" description:"Cursor file for the file backend"`
	CursorSQLitePath  string        `long:"cursor-sqlite-path" env:"CURSOR_SQLITE_PATH" default:"data/cursor.db" description:"Database path for the sqlite backend"`
	CursorRewind      time.Duration `long:"cursor-rewind" env:"CURSOR_REWIND" default:"2s" description:"Safety window subtracted from the cursor on reconnect"`
	BackoffInitial    time.Duration `long:"backoff-initial" env:"BACKOFF_INITIAL" default:"500ms" description:"First reconnect delay"`
	BackoffFactor     float64       `long:"backoff-factor" env:"BACKOFF_FACTOR" default:"1.7" description:"Reconnect delay multiplier"`
	BackoffMax        time.Duration `long:"backoff-max" env:"BACKOFF_MAX" default:"15s" description:"Reconnect delay ceiling"`

	// API
	AuthJWTSecret    string `long:"auth-jwt-secret" env:"AUTH_JWT_SECRET" description:"HS256 secret for bearer tokens; empty disables writes"`
	FeedDefaultLimit int    `long:"feed-default-limit" env:"FEED_DEFAULT_LIMIT" default:"30" description:"Default page size"`
	FeedMaxLimit     int    `long:"feed-max-limit" env:"FEED_MAX_LIMIT" default:"100" description:"Maximum page size"`
	MaxBodyBytes     int64  `long:"max-body-bytes" env:"MAX_BODY_BYTES" default:"4194304" description:"Maximum bulk upsert body size"`
	CORSOrigin       string `long:"cors-origin" env:"CORS_ORIGIN" default:"*" description:"Access-Control-Allow-Origin value"`
}

// DSN returns DatabaseURL, or a connection string built from the DB_* parts.
func (c *Server) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": {c.DBSSLMode}}.Encode(),
	}
	if c.DBPassword != "" {
		u.User = url.UserPassword(c.DBUser, c.DBPassword)
	} else {
		u.User = url.User(c.DBUser)
	}
	return u.String()
}

// Timeline is the configuration of cmd/timeline.
type Timeline struct {
	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"warn" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`

	APIURL   string `long:"api-url" env:"API_URL" default:"http://localhost:3000" description:"Base URL of the cache API"`
	APIToken string `long:"api-token" env:"API_TOKEN" description:"Bearer token for the cache API"`

	BlueskyPDS         string `long:"bluesky-pds" env:"BLUESKY_PDS" default:"https://bsky.social" description:"PDS used for the live timeline"`
	BlueskyHandle      string `long:"bluesky-handle" env:"BLUESKY_HANDLE" description:"Handle to log in with; empty disables the live source"`
	BlueskyAppPassword string `long:"bluesky-app-password" env:"BLUESKY_APP_PASSWORD" description:"App password for the handle"`

	PageSize       int           `long:"page-size" env:"PAGE_SIZE" default:"30" description:"Items per page"`
	PollInterval   time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"15s" description:"Interval between refreshes"`
	RequestTimeout time.Duration `long:"request-timeout" env:"REQUEST_TIMEOUT" default:"12s" description:"Per-request timeout"`
	Retries        int           `long:"retries" env:"REQUEST_RETRIES" default:"2" description:"Retries for timed out or failed requests"`
	NearTopPx      int           `long:"near-top-px" env:"NEAR_TOP_PX" default:"200" description:"Scroll offset under which polling runs"`
	Pages          int           `long:"pages" env:"PAGES" default:"0" description:"Extra pages to load after the first"`
}

// LoadServer reads server configuration from env files, the environment and
// args. It returns nil, nil when help was requested.
func LoadServer(args []string) (*Server, error) {
	var cfg Server
	if ok, err := parse(&cfg, args); !ok {
		return nil, err
	}
	if cfg.FeedMaxLimit <= 0 {
		return nil, fmt.Errorf("FEED_MAX_LIMIT must be positive, got %d", cfg.FeedMaxLimit)
	}
	if cfg.BackoffFactor < 1 {
		return nil, fmt.Errorf("BACKOFF_FACTOR must be at least 1, got %v", cfg.BackoffFactor)
	}
	cfg.WantedCollections = splitList(cfg.WantedCollections)
	cfg.WantedDIDs = splitList(cfg.WantedDIDs)
	return &cfg, nil
}

// LoadTimeline reads timeline CLI configuration. It returns nil, nil when
// help was requested.
func LoadTimeline(args []string) (*Timeline, error) {
	var cfg Timeline
	if ok, err := parse(&cfg, args); !ok {
		return nil, err
	}
	if cfg.BlueskyHandle != "" && cfg.BlueskyAppPassword == "" {
		return nil, errors.New("BLUESKY_APP_PASSWORD is required when BLUESKY_HANDLE is set")
	}
	return &cfg, nil
}

func parse(data any, args []string) (bool, error) {
	loadEnvFiles()

	parser := flags.NewParser(data, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return false, nil
		}
		return false, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return true, nil
}

func loadEnvFiles() {
	for _, file := range envFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", file, err)
		}
	}
}

// splitList trims entries and drops empty ones, so "a, b,," is [a b].
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// SlogLevel maps a level name onto slog.Level, defaulting to info.
func SlogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
