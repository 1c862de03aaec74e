// Package main wires together the capture service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mpvault/internal/api"
	"mpvault/internal/autosync"
	"mpvault/internal/clock"
	"mpvault/internal/config"
	"mpvault/internal/core"
	"mpvault/internal/engine"
	"mpvault/internal/fetch"
	"mpvault/internal/logging"
	"mpvault/internal/publisher"
	"mpvault/internal/render"
	"mpvault/internal/scheduler"
	"mpvault/internal/session"
	memorystore "mpvault/internal/store/memory"
	postgresstore "mpvault/internal/store/postgres"
	sqlitestore "mpvault/internal/store/sqlite"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("open store failed", zap.Error(err))
	}
	defer closeStore()

	clk := clock.System{}
	sessions := session.NewManager(cfg.WeChat, store, clk, logger)
	fetcher := fetch.New(cfg.WeChat.UserAgent, cfg.WeChat.RequestTimeout(), logger)

	var renderer engine.PageRenderer
	chromeRenderer, err := render.New(cfg.Render, cfg.WeChat.UserAgent, logger)
	switch {
	case err == nil:
		renderer = chromeRenderer
		defer chromeRenderer.Close()
	case errors.Is(err, render.ErrDisabled):
		logger.Info("headless renderer disabled")
	default:
		logger.Warn("headless renderer init failed, continuing without it", zap.Error(err))
	}

	crawler := engine.New(cfg.Crawl, sessions, fetcher, renderer, store, clk, logger)

	var events scheduler.EventSink = publisher.Nop{}
	if cfg.Events.Enabled {
		rabbit, err := publisher.NewRabbitMQ(cfg.Events, logger)
		if err != nil {
			logger.Warn("event publisher init failed, events disabled", zap.Error(err))
		} else {
			events = rabbit
			defer rabbit.Close()
		}
	}

	jobs := scheduler.New(store, crawler, events, clk, logger)
	if err := jobs.Reconcile(ctx); err != nil {
		logger.Error("job reconciliation failed", zap.Error(err))
	}

	auto := autosync.NewService(cfg.AutoSync, store, jobs, sessions, clk, logger)
	jobs.SetCompletionHook(auto.RecordJobOutcome)
	if err := auto.ReconcileFavoriteTargets(ctx); err != nil {
		logger.Error("favorite reconciliation failed", zap.Error(err))
	}
	auto.Start()
	defer auto.Stop()

	apiServer := api.NewServer(store, sessions, jobs, auto, crawler, cfg, clk, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	jobs.Close()
	logger.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg config.Config) (core.Store, func(), error) {
	switch cfg.Store.Provider {
	case "memory":
		return memorystore.New(), func() {}, nil
	case "postgres":
		store, err := postgresstore.Open(ctx, postgresstore.Config{
			DSN:      cfg.Store.Postgres.DSN,
			MaxConns: cfg.Store.Postgres.MaxConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := sqlitestore.Open(ctx, cfg.Store.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}
