package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"godown-edge-go/internal/config"
	"godown-edge-go/internal/logging"
	"godown-edge-go/internal/services"
	"godown-edge-go/internal/supervisor"
	"godown-edge-go/pkg/logger"
)

// @title Godown Edge Worker API
// @version 1.0
// @description Status API of the godown edge worker: node health, camera state and test feed switching
// @BasePath /
func main() {
	// Load configuration
	cfg := config.Load()

	var extra io.Writer
	var logdyErr error
	if cfg.LogdyEnabled {
		extra, logdyErr = logging.StartLogdy(cfg)
	}
	logging.Setup(cfg, extra)
	if logdyErr != nil {
		log.Warn().Err(logdyErr).Msg("Log viewer disabled")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("worker_id", cfg.WorkerID).
		Str("godown_id", cfg.GodownID).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Str("broker", cfg.BrokerKind).
		Int("port", cfg.Port).
		Msg("Starting godown edge worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := services.NewServiceContainer(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}

	tree := supervisor.NewTree(logger.New(logging.NewServiceLogger(cfg, "supervisor")), supervisor.TreeConfig{
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	container.Register(tree)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// The root only returns once ctx is cancelled and every layer has stopped
	if err := <-tree.ServeBackground(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		log.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := container.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
	} else {
		log.Info().Msg("Shutdown complete")
	}
}
