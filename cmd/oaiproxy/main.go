// Command oaiproxy starts the model API proxy that resolves worker-side
// credential envelopes into real upstream keys.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/observability"
	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
	"github.com/fairyhunter13/ai-sol-auditor/internal/oaiproxy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "oaiproxy")
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

	proxy, err := oaiproxy.New(oaiproxy.Options{
		OpenAIBaseURL:     cfg.OpenAIBaseURL,
		OpenRouterBaseURL: cfg.OpenRouterBaseURL,
		OpenRouterReferer: cfg.OpenRouterReferer,
		OpenRouterTitle:   cfg.OpenRouterTitle,
		StaticKey:         cfg.OAIProxyStaticKey,
		SharedSecret:      cfg.OAIProxyAESKey,
	}, logger)
	if err != nil {
		slog.Error("proxy init failed", slog.Any("error", err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", proxy)

	// Streaming responses flow through here, so no write timeout.
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.OAIProxyPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("model proxy starting", slog.Int("port", cfg.OAIProxyPort))
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
