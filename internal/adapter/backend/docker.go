package backend

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-units"

	"github.com/fairyhunter13/ai-sol-auditor/internal/config"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
)

// Worker container resource ceilings.
const (
	workerMemoryBytes = 1 << 30      // 1 GiB, swap pinned to the same value
	workerNanoCPUs    = 300_000_000  // 0.3 core
	workerPidsLimit   = int64(1024)
	workerNofile      = int64(131072)
)

// DockerBackend runs each worker as one container on a shared engine.
type DockerBackend struct {
	cli *dockerclient.Client
	cfg config.Config
	log *slog.Logger
}

// NewDocker connects to the engine socket using environment defaults.
func NewDocker(cfg config.Config, log *slog.Logger) (*DockerBackend, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("op=backend.docker: %w", err)
	}
	return &DockerBackend{cli: cli, cfg: cfg, log: log}, nil
}

// StartWorker creates and starts one locked-down worker container.
func (b *DockerBackend) StartWorker(ctx domain.Context, opts domain.StartWorkerOptions) (string, error) {
	now := time.Now().UTC()
	pids := workerPidsLimit
	conf := &container.Config{
		Image:  b.cfg.WorkerImage,
		Env:    workerEnv(b.cfg, opts),
		Labels: workerLabels(b.cfg, opts.JobID, now.Unix()),
	}
	host := &container.HostConfig{
		NetworkMode: container.NetworkMode(b.cfg.SharedNetwork),
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
		Resources: container.Resources{
			Memory:     workerMemoryBytes,
			MemorySwap: workerMemoryBytes,
			NanoCPUs:   workerNanoCPUs,
			PidsLimit:  &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: workerNofile, Hard: workerNofile},
			},
		},
	}
	name := fmt.Sprintf("%s-job-%s-%d", b.cfg.ManagerName, opts.JobID, now.UnixNano())
	created, err := b.cli.ContainerCreate(ctx, conf, host, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("op=backend.docker.start: create: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = b.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("op=backend.docker.start: start: %w", err)
	}
	b.log.Info("worker container started",
		slog.String("job_id", opts.JobID),
		slog.String("container_id", created.ID))
	return created.ID, nil
}

// RunningWorkers counts running containers carrying this manager's label.
func (b *DockerBackend) RunningWorkers(ctx domain.Context) (int, error) {
	list, err := b.cli.ContainerList(ctx, container.ListOptions{
		Filters: b.managedFilter(""),
	})
	if err != nil {
		return 0, fmt.Errorf("op=backend.docker.running: %w", err)
	}
	return len(list), nil
}

// DefaultMaxConcurrency bounds a shared engine at three workers per core.
func (b *DockerBackend) DefaultMaxConcurrency() int { return runtime.NumCPU() * 3 }

// HasWorker reports whether a container in any state exists for the job.
func (b *DockerBackend) HasWorker(ctx domain.Context, jobID string) (bool, error) {
	list, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: b.managedFilter(jobID),
	})
	if err != nil {
		return false, fmt.Errorf("op=backend.docker.has_worker: %w", err)
	}
	return len(list) > 0, nil
}

// Sweep reconciles containers against jobs: stopped workers are removed and
// their jobs failed as crashed, over-age workers are killed and their jobs
// failed as timed out. Returns the job ids observed on the engine.
func (b *DockerBackend) Sweep(ctx domain.Context, actions domain.SweepActions) (map[string]bool, error) {
	list, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: b.managedFilter(""),
	})
	if err != nil {
		return nil, fmt.Errorf("op=backend.docker.sweep: %w", err)
	}

	observed := make(map[string]bool, len(list))
	now := time.Now().UTC()
	timedOutJobs := map[string]bool{}

	for _, c := range list {
		jobID := c.Labels[LabelJobID]
		if jobID == "" {
			continue
		}
		observed[jobID] = true

		switch c.State {
		case "exited", "dead", "created":
			b.log.Info("removing stopped worker",
				slog.String("job_id", jobID),
				slog.String("state", c.State))
			_ = b.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
			actions.FailJob(ctx, jobID, domain.FailReasonCrashed)
		default:
			started := startedAtFromLabels(c.Labels)
			if started > 0 && now.Sub(time.Unix(started, 0)) > b.cfg.MaxWorkerAge {
				timedOutJobs[jobID] = true
			}
		}
	}

	for jobID := range timedOutJobs {
		b.killJobWorkers(ctx, jobID)
		actions.FailJob(ctx, jobID, domain.FailReasonTimeout)
	}
	return observed, nil
}

// killJobWorkers kills and removes every container for the job, whatever
// its state.
func (b *DockerBackend) killJobWorkers(ctx domain.Context, jobID string) {
	list, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: b.managedFilter(jobID),
	})
	if err != nil {
		b.log.Error("worker kill listing failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	for _, c := range list {
		b.log.Info("killing timed out worker",
			slog.String("job_id", jobID),
			slog.String("container_id", c.ID))
		_ = b.cli.ContainerKill(ctx, c.ID, "KILL")
		_ = b.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
	}
}

func (b *DockerBackend) managedFilter(jobID string) filters.Args {
	f := filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+b.cfg.ManagerName))
	if jobID != "" {
		f.Add("label", LabelJobID+"="+jobID)
	}
	return f
}

var _ domain.WorkerBackend = (*DockerBackend)(nil)
