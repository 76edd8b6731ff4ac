package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/bluesky-feedcache/internal/auth"
	"github.com/blackmichael/bluesky-feedcache/internal/config"
	"github.com/blackmichael/bluesky-feedcache/internal/cursor"
	"github.com/blackmichael/bluesky-feedcache/internal/domain"
	"github.com/blackmichael/bluesky-feedcache/internal/firehose"
	"github.com/blackmichael/bluesky-feedcache/internal/httpserver"
	"github.com/blackmichael/bluesky-feedcache/internal/metrics"
	"github.com/blackmichael/bluesky-feedcache/internal/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const cursorServiceName = "jetstream"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer(os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.SlogLevel(cfg.LogLevel),
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The API keeps serving when the database is down; reads and writes then
	// report StorageUnavailable until it comes back.
	db, repo := openStore(ctx, cfg, logger)
	if db != nil {
		defer db.Close()
	}

	var posts domain.PostRepository
	if repo != nil {
		posts = repo
	}
	cacheService := domain.NewCacheService(posts, logger, cfg.FeedDefaultLimit, cfg.FeedMaxLimit)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	deps := httpserver.Deps{
		Feeds:    cacheService,
		Auth:     auth.NewJWTAuthenticator(cfg.AuthJWTSecret),
		Metrics:  metrics.NewHTTP(reg),
		Gatherer: reg,
		Logger:   logger,
	}
	if cfg.AuthJWTSecret == "" {
		logger.Warn("AUTH_JWT_SECRET is empty; bulk upserts will be rejected")
	}

	if !cfg.IngestDisabled {
		cursors, closeCursors, err := openCursorStore(ctx, cfg, db)
		if err != nil {
			return fmt.Errorf("open cursor store: %w", err)
		}
		defer closeCursors()

		subscriber := firehose.NewSubscriber(firehose.Config{
			URL:               cfg.JetstreamURL,
			WantedCollections: cfg.WantedCollections,
			WantedDIDs:        cfg.WantedDIDs,
			TargetCollection:  cfg.TargetCollection,
			Rewind:            cfg.CursorRewind,
			BackoffInitial:    cfg.BackoffInitial,
			BackoffFactor:     cfg.BackoffFactor,
			BackoffMax:        cfg.BackoffMax,
		}, cacheService, cursors, logger, metrics.NewIngest(reg))
		deps.Ingest = subscriber

		go func() {
			if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("firehose subscriber exited with error", "error", err)
			}
		}()
	} else {
		logger.Info("ingestion disabled")
	}

	server := httpserver.NewServer(httpserver.Config{
		Port:         cfg.Port,
		MaxBodyBytes: cfg.MaxBodyBytes,
		CORSOrigin:   cfg.CORSOrigin,
	}, deps)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started", "port", cfg.Port, "ingest", !cfg.IngestDisabled, "cursor_backend", cfg.CursorBackend)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}

func openStore(ctx context.Context, cfg *config.Server, logger *slog.Logger) (*sql.DB, *postgres.Repository) {
	db, err := postgres.Open(postgres.Config{
		URL:             cfg.DSN(),
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		logger.Error("cache store unavailable", "error", err)
		return nil, nil
	}
	repo := postgres.NewRepository(db)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := repo.Ping(pingCtx); err != nil {
		logger.Error("cache store unreachable, serving degraded", "error", err)
		return db, repo
	}
	logger.Info("connected to database")

	if cfg.RunMigrations {
		version, dirty, err := postgres.RunMigrations(db)
		if err != nil {
			logger.Error("failed to run migrations", "error", err)
		} else {
			logger.Info("migrations applied", "version", version, "dirty", dirty)
		}
	}
	return db, repo
}

func openCursorStore(ctx context.Context, cfg *config.Server, db *sql.DB) (domain.CursorStore, func(), error) {
	noop := func() {}
	switch cfg.CursorBackend {
	case "sqlite":
		store, err := cursor.OpenSQLite(ctx, cfg.CursorSQLitePath, cursorServiceName)
		if err != nil {
			return nil, noop, err
		}
		return store, func() { store.Close() }, nil
	case "postgres":
		if db == nil {
			return nil, noop, fmt.Errorf("postgres cursor backend requires a database: %w", domain.ErrStorageUnavailable)
		}
		return postgres.NewCursorStore(db, cursorServiceName), noop, nil
	default:
		return cursor.NewFileStore(cfg.CursorFile), noop, nil
	}
}
