package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/execution-hub/duel-escrow/internal/api/http"
	"github.com/execution-hub/duel-escrow/internal/application/indexer"
	"github.com/execution-hub/duel-escrow/internal/config"
	"github.com/execution-hub/duel-escrow/internal/infrastructure/postgres"
	"github.com/execution-hub/duel-escrow/internal/p2p/client"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := config.LoadDotEnv(); err != nil {
		logger.Fatal().Err(err).Msg("load .env")
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	logger = logger.Level(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("db error")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migration error")
	}

	repo := postgres.NewMatchRepository(pool)
	svc := indexer.NewService(repo, client.New(cfg.NodeURL), cfg.BatchSize, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, cfg.APIToken).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("node_url", cfg.NodeURL).Msg("indexer http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	_ = svc.Run(ctx, cfg.PollInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
