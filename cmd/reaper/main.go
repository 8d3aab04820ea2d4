// Command reaper reconciles workers against jobs: crashed, timed out, lost
// and gap-stranded jobs all reach a terminal state here.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/backend"
	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/observability"
	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
	"github.com/fairyhunter13/ai-sol-auditor/internal/reaper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "reaper")
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	jobRepo := postgres.NewJobRepo(pool)

	be, err := backend.New(cfg, logger)
	if err != nil {
		slog.Error("backend init failed", slog.Any("error", err))
		os.Exit(1)
	}

	r := reaper.New(jobRepo, be, cfg.ReaperPoll, cfg.MaxWorkerAge, logger)
	slog.Info("reaper starting",
		slog.String("backend", cfg.WorkersBackend),
		slog.Duration("poll", cfg.ReaperPoll),
		slog.Duration("max_worker_age", cfg.MaxWorkerAge))
	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("reaper stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("reaper stopped")
}
