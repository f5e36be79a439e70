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

	"github.com/execution-hub/duel-escrow/internal/config"
	"github.com/execution-hub/duel-escrow/internal/infrastructure/sse"
	p2papi "github.com/execution-hub/duel-escrow/internal/p2p/api"
	"github.com/execution-hub/duel-escrow/internal/p2p/client"
	"github.com/execution-hub/duel-escrow/internal/p2p/consensus"
	"github.com/execution-hub/duel-escrow/internal/p2p/state"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := config.LoadDotEnv(); err != nil {
		logger.Fatal().Err(err).Msg("load .env")
	}
	cfg, err := config.LoadNode()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	logger = logger.Level(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("data_dir", cfg.DataDir).Msg("create data dir")
	}

	node, err := consensus.NewNode(consensus.Config{
		NodeID:            cfg.NodeID,
		RaftAddr:          cfg.RaftAddr,
		DataDir:           cfg.DataDir,
		Bootstrap:         cfg.Bootstrap,
		SnapshotRetain:    2,
		SnapshotThreshold: cfg.SnapshotThreshold,
		ApplyTimeout:      cfg.ApplyTimeout,
		MaxClockSkew:      cfg.MaxClockSkew,
		Genesis:           state.Genesis{Admin: cfg.Genesis},
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create raft node")
	}
	defer func() {
		_ = node.Shutdown()
	}()

	if !cfg.Bootstrap && cfg.JoinEndpoint != "" {
		if err := joinCluster(cfg); err != nil {
			logger.Warn().Err(err).Str("endpoint", cfg.JoinEndpoint).Msg("join cluster failed")
		} else {
			logger.Info().Str("endpoint", cfg.JoinEndpoint).Msg("joined cluster")
		}
	}

	if cfg.StartupWaitLeader > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupWaitLeader)
		_, _ = node.WaitForLeader(ctx, 150*time.Millisecond)
		cancel()
	}

	hub := sse.NewHub()
	apiServer := p2papi.NewServer(node, hub, logger)
	defer apiServer.Close()
	httpServer := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: /v1/events/stream is long-lived.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("node_id", cfg.NodeID).
			Str("raft_addr", cfg.RaftAddr).
			Bool("bootstrap", cfg.Bootstrap).
			Msg("p2p http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Stop()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = node.Shutdown()
}

func joinCluster(cfg *config.NodeConfig) error {
	c := client.New(cfg.JoinEndpoint)
	var lastErr error
	for i := 0; i < cfg.JoinRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		lastErr = c.Join(ctx, cfg.NodeID, cfg.RaftAddr)
		cancel()
		if lastErr == nil {
			return nil
		}
		time.Sleep(cfg.JoinRetryDelay)
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}
