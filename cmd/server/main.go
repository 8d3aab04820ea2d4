// Command server starts the admission API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/fairyhunter13/ai-sol-auditor/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/observability"
	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/queue/rabbit"
	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/secrets"
	"github.com/fairyhunter13/ai-sol-auditor/internal/app"
	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
	"github.com/fairyhunter13/ai-sol-auditor/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "server")
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	jobRepo := postgres.NewJobRepo(pool)

	conn, err := rabbit.Dial(cfg.RabbitMQURL)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()
	publisher, err := rabbit.NewPublisher(conn, cfg)
	if err != nil {
		slog.Error("publisher init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = publisher.Close() }()

	secretsCli := secrets.New(cfg.SecretsURL, cfg.SecretsTokenWO)
	prober := usecase.NewLivenessProber(cfg.KeyProbeUpstreamURL)

	jobSvc := usecase.NewJobService(jobRepo, publisher, secretsCli, prober, cfg)

	var sessions *httpserver.Sessions
	if cfg.AuthEnabled {
		if cfg.JWTSecret == "" {
			slog.Error("AUTH_ENABLED requires JWT_SECRET")
			os.Exit(1)
		}
		sessions = httpserver.NewSessions(cfg.JWTSecret, cfg.JWTSessionTTL)
	}

	srv := httpserver.NewServer(cfg, jobSvc, sessions, pool.Ping)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
