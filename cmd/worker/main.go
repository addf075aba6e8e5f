package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/kursadbilgin/campaign-engine/internal/app"
	"github.com/kursadbilgin/campaign-engine/internal/config"
	"github.com/kursadbilgin/campaign-engine/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := app.Build(ctx, cfg, logger, app.Options{ConsumeTriggers: true})
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer container.Close() //nolint:errcheck

	logger.Info("campaign-engine worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("batchSize", cfg.ClaimBatchSize),
		zap.Duration("pollInterval", cfg.PollInterval),
	)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return container.Worker.Start(groupCtx) })
	g.Go(func() error { return container.StuckScanner.Start(groupCtx) })
	g.Go(func() error { return container.ReconcileScanner.Start(groupCtx) })

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("campaign-engine worker stopped")
}
