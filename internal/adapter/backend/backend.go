// Package backend implements the worker isolation backends: one per job on
// a container engine or a pod orchestrator, both labeled so the reaper can
// reconcile workers against jobs.
package backend

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
)

// Worker labels shared by both backends.
const (
	LabelManagedBy = "managed_by"
	LabelJobID     = "job_id"
	LabelStartedAt = "started_at"
)

// New selects the backend named in configuration.
func New(cfg config.Config, log *slog.Logger) (domain.WorkerBackend, error) {
	switch cfg.WorkersBackend {
	case "docker":
		return NewDocker(cfg, log)
	case "k8s":
		return NewK8s(cfg, log)
	default:
		return nil, fmt.Errorf("op=backend.new: unknown backend %q", cfg.WorkersBackend)
	}
}

// workerLabels builds the label set that identifies a managed worker.
func workerLabels(cfg config.Config, jobID string, startedAtUnix int64) map[string]string {
	return map[string]string{
		LabelManagedBy: cfg.ManagerName,
		LabelJobID:     jobID,
		LabelStartedAt: strconv.FormatInt(startedAtUnix, 10),
	}
}

// workerEnv builds the environment contract the worker binary expects.
func workerEnv(cfg config.Config, opts domain.StartWorkerOptions) []string {
	return []string{
		"JOB_ID=" + opts.JobID,
		"AGENT_ID=" + opts.Model,
		"SECRETSVC_HOST=" + cfg.WorkerSecretsHost,
		"SECRETSVC_PORT=" + strconv.Itoa(cfg.WorkerSecretsPort),
		"SECRETSVC_REF=" + opts.SecretRef,
		"SECRETSVC_TOKEN=" + cfg.SecretsTokenRO,
		"RESULTSVC_HOST=" + cfg.WorkerResultsHost,
		"RESULTSVC_PORT=" + strconv.Itoa(cfg.WorkerResultsPort),
		"RESULTSVC_JOB_TOKEN=" + opts.ResultToken,
		"OAI_PROXY_BASE_URL=" + cfg.WorkerOAIProxyURL,
	}
}

// startedAtFromLabels parses the start timestamp label; zero when missing
// or malformed.
func startedAtFromLabels(labels map[string]string) int64 {
	n, err := strconv.ParseInt(labels[LabelStartedAt], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
