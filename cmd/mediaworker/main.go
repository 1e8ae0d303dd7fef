package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-media/pkg/simplemedia/config"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.WithEnv())
	if err != nil {
		slog.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}
	if cfg.RedisURL == "" {
		slog.Warn("REDIS_URL is not set; this worker only sees tasks enqueued in its own process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := cfg.Build(ctx)
	if err != nil {
		slog.Error("Failed to build runtime", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	rt.Logger.Info("Media worker starting",
		"concurrency", cfg.WorkerConcurrency, "max_attempts", cfg.TaskMaxAttempts)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Propagator.Run(ctx) })
	g.Go(func() error { return rt.NewRunner().Run(ctx) })
	if err := g.Wait(); err != nil {
		rt.Logger.Error("Worker stopped with error", "err", err)
		os.Exit(1)
	}
	rt.Logger.Info("Worker exiting")
}
