// Command instancer consumes job.start messages and spawns one isolated
// worker per job on the configured backend.
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
	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/queue/rabbit"
	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/secrets"
	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "instancer")
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

	conn, err := rabbit.Dial(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	secretsCli := secrets.New(cfg.SecretsURL, cfg.SecretsTokenWO)

	consumer := rabbit.NewConsumer(conn, cfg, jobRepo, be, secretsCli, logger)
	slog.Info("instancer starting",
		slog.String("backend", cfg.WorkersBackend),
		slog.String("queue", cfg.QueueName()))
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("consumer stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("instancer stopped")
}
