// Package main implements the entry point for the ingest service. It
// wires storage, object staging, dispatch and the pipeline workers,
// then serves the operational HTTP endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/replaynet/replaynet-ingest-go/internal/accounts"
	"github.com/replaynet/replaynet-ingest-go/internal/cards"
	"github.com/replaynet/replaynet-ingest-go/internal/config"
	"github.com/replaynet/replaynet-ingest-go/internal/dispatch"
	"github.com/replaynet/replaynet-ingest-go/internal/objectstage"
	"github.com/replaynet/replaynet-ingest-go/internal/parser"
	"github.com/replaynet/replaynet-ingest-go/internal/pipeline"
	"github.com/replaynet/replaynet-ingest-go/internal/server"
	"github.com/replaynet/replaynet-ingest-go/internal/storage"
	"github.com/replaynet/replaynet-ingest-go/internal/telemetry"
	"github.com/replaynet/replaynet-ingest-go/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	_, err = telemetry.InitTracer("ingest-service")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	ctx := context.Background()

	// Record store: PostgreSQL in production, in-memory for development.
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
	} else {
		store = storage.NewMemory()
	}

	// Object stage: S3 in production, in-memory for development.
	var objects objectstage.ObjectStore
	if cfg.S3Endpoint != "" || cfg.S3AccessKey != "" || cfg.Env != "dev" {
		s3store, err := objectstage.NewS3Store(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize S3 object store", "error", err)
			os.Exit(1)
		}
		objects = s3store
	} else {
		objects = objectstage.NewMemoryStore()
	}

	// Dispatcher: NATS JetStream in production, in-process otherwise.
	var dispatcher dispatch.Dispatcher
	if cfg.NATSURL != "" {
		nats, err := dispatch.NewNATS(cfg.NATSURL, cfg.AckWait)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		dispatcher = nats
	} else {
		dispatcher = dispatch.NewMemory()
	}
	defer dispatcher.Close()

	var resolver accounts.Resolver
	if cfg.AccountsURL != "" {
		resolver = accounts.NewClient(cfg.AccountsURL)
	}

	if cfg.ParserURL == "" {
		logger.Error("INGEST_PARSER_URL is required")
		os.Exit(1)
	}

	var cardDB cards.Database
	if cfg.CardsPath != "" {
		loaded, err := cards.LoadFile(cfg.CardsPath)
		if err != nil {
			logger.Error("failed to load card database", "path", cfg.CardsPath, "error", err)
			os.Exit(1)
		}
		cardDB = loaded
	} else {
		logger.Warn("no card database configured, hero validation will reject all uploads")
		cardDB = cards.NewMemory()
	}

	pipe, err := pipeline.New(pipeline.Options{
		Store:     store,
		Objects:   objects,
		Bucket:    cfg.S3Bucket,
		Publisher: dispatcher,
		Parser:    parser.NewClient(cfg.ParserURL),
		Cards:     cardDB,
		Accounts:  resolver,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	w := worker.New(pipe, dispatcher, cfg.ProcessTimeout, logger)
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker subscriptions", "error", err)
		os.Exit(1)
	}

	mux := server.NewMux(store)
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ops server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("ingest service exited")
}
