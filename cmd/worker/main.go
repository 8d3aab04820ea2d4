// Command worker is the in-container sidecar started once per job.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/secrets"
	"github.com/fairyhunter13/ai-sol-auditor/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	env, err := worker.LoadEnv()
	if err != nil {
		slog.Error("worker env invalid", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logger.With(slog.String("job_id", env.JobID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := &worker.Worker{
		Env:     env,
		Bundle:  secrets.New(env.SecretsURL(), env.SecretsToken),
		Agent:   worker.ExecRunner{Cmd: env.AgentCmd, Timeout: env.AgentTimeout, Log: logger},
		Results: worker.NewResultClient(env.ResultsURL(), env.ResultToken),
		Log:     logger,
	}
	if err := w.Run(ctx); err != nil {
		logger.Error("job failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("job completed")
}
