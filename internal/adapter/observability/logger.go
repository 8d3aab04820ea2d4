// Package observability provides logging, metrics, and tracing shared by
// all service binaries.
package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(cfg config.Config, service string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", service),
		slog.String("env", cfg.AppEnv),
	)
}
