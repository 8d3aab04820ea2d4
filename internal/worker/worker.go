// Package worker is the in-container sidecar: it fetches the one-shot
// secret bundle, unpacks the audited project, runs the agent and reports
// the outcome to the result service exactly once.
package worker

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/fairyhunter13/ai-sol-auditor/internal/bundle"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
)

// Env is the contract the instancer injects into every worker.
type Env struct {
	JobID        string        `env:"JOB_ID,required"`
	AgentID      string        `env:"AGENT_ID,required"`
	SecretsHost  string        `env:"SECRETSVC_HOST,required"`
	SecretsPort  int           `env:"SECRETSVC_PORT" envDefault:"8081"`
	SecretRef    string        `env:"SECRETSVC_REF,required"`
	SecretsToken string        `env:"SECRETSVC_TOKEN,required"`
	ResultsHost  string        `env:"RESULTSVC_HOST,required"`
	ResultsPort  int           `env:"RESULTSVC_PORT" envDefault:"8083"`
	ResultToken  string        `env:"RESULTSVC_JOB_TOKEN,required"`
	OAIProxyURL  string        `env:"OAI_PROXY_BASE_URL"`
	AgentCmd     string        `env:"AGENT_CMD" envDefault:"/usr/local/bin/run-agent"`
	WorkDir      string        `env:"WORK_DIR" envDefault:"/work"`
	AgentTimeout time.Duration `env:"AGENT_TIMEOUT" envDefault:"45m"`
}

// LoadEnv parses the worker environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("op=worker.env: %w", err)
	}
	return e, nil
}

// SecretsURL is the secret store base URL inside the job network.
func (e Env) SecretsURL() string {
	return fmt.Sprintf("http://%s:%d", e.SecretsHost, e.SecretsPort)
}

// ResultsURL is the result service base URL inside the job network.
func (e Env) ResultsURL() string {
	return fmt.Sprintf("http://%s:%d", e.ResultsHost, e.ResultsPort)
}

// BundleFetcher pulls the one-shot bundle from the secret store.
type BundleFetcher interface {
	Get(ctx domain.Context, ref string) ([]byte, error)
}

// AgentRunner executes the audit agent over an unpacked project.
type AgentRunner interface {
	Run(ctx domain.Context, spec AgentSpec) (string, error)
}

// AgentSpec is everything one agent invocation needs.
type AgentSpec struct {
	Dir     string
	AgentID string
	Key     bundle.Key
	// ProxyURL points the agent at the model proxy in proxy key modes.
	ProxyURL string
}

// ResultPoster delivers the terminal result callback.
type ResultPoster interface {
	Post(ctx domain.Context, res Result) error
}

// Result is the callback payload delivered to the result service.
type Result struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Report string `json:"report,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Worker ties the sidecar steps together.
type Worker struct {
	Env     Env
	Bundle  BundleFetcher
	Agent   AgentRunner
	Results ResultPoster
	Log     *slog.Logger
}

// Run executes one job end to end. Whatever happens, a result callback is
// attempted so the job does not sit in running until the reaper finds it.
func (w *Worker) Run(ctx domain.Context) error {
	res, err := w.run(ctx)
	if postErr := w.Results.Post(ctx, res); postErr != nil {
		w.Log.Error("result delivery failed",
			slog.String("job_id", w.Env.JobID),
			slog.Any("error", postErr))
		if err == nil {
			err = postErr
		}
	}
	return err
}

func (w *Worker) run(ctx domain.Context) (Result, error) {
	data, err := w.Bundle.Get(ctx, w.Env.SecretRef)
	if err != nil {
		w.Log.Error("bundle fetch failed", slog.Any("error", err))
		return Result{JobID: w.Env.JobID, Status: "failed", Error: "bundle unavailable"}, err
	}
	upload, key, err := bundle.Parse(data)
	if err != nil {
		w.Log.Error("bundle parse failed", slog.Any("error", err))
		return Result{JobID: w.Env.JobID, Status: "failed", Error: "bundle corrupt"}, err
	}

	dir := filepath.Join(w.Env.WorkDir, "project")
	if err := ExtractZip(upload, dir); err != nil {
		w.Log.Error("project extraction failed", slog.Any("error", err))
		return Result{JobID: w.Env.JobID, Status: "failed", Error: "archive extraction failed"}, err
	}

	out, err := w.Agent.Run(ctx, AgentSpec{
		Dir:      dir,
		AgentID:  w.Env.AgentID,
		Key:      key,
		ProxyURL: w.Env.OAIProxyURL,
	})
	if err != nil {
		w.Log.Error("agent run failed", slog.Any("error", err))
		return Result{JobID: w.Env.JobID, Status: "failed", Error: "agent execution failed"}, err
	}
	return Result{JobID: w.Env.JobID, Status: "succeeded", Report: ReadReport(dir, out)}, nil
}
