// Package reaper reconciles workers and jobs in the background: it removes
// dead workers, fails their jobs, and catches jobs the queue lost.
package reaper

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-sol-auditor/internal/adapter/observability"
	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
)

// runningGrace is how long a running job may go without an observable
// worker before it counts as lost.
const runningGrace = 5 * time.Minute

// Reaper periodically sweeps the backend and the job table.
type Reaper struct {
	jobs    domain.JobRepository
	backend domain.WorkerBackend
	poll    time.Duration
	maxAge  time.Duration
	log     *slog.Logger
}

// New wires a reaper.
func New(jobs domain.JobRepository, backend domain.WorkerBackend, poll, maxAge time.Duration, log *slog.Logger) *Reaper {
	return &Reaper{jobs: jobs, backend: backend, poll: poll, maxAge: maxAge, log: log}
}

// Run sweeps until the context is canceled.
func (r *Reaper) Run(ctx domain.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		r.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce runs one full reconciliation pass.
func (r *Reaper) SweepOnce(ctx domain.Context) {
	ctx, span := otel.Tracer("reaper").Start(ctx, "reaper.sweep")
	defer span.End()

	observed, err := r.backend.Sweep(ctx, &failActions{jobs: r.jobs, log: r.log})
	if err != nil {
		r.log.Error("backend sweep failed", slog.Any("error", err))
		observed = nil
	}
	r.failLostJobs(ctx, observed)
	r.failGapJobs(ctx)
}

// failLostJobs fails running jobs with no worker anywhere. The sweep's
// observed set is a fast path; a direct lookup confirms before failing so a
// worker started between sweep and check survives.
func (r *Reaper) failLostJobs(ctx domain.Context, observed map[string]bool) {
	cutoff := time.Now().UTC().Add(-runningGrace)
	running, err := r.jobs.ListRunningSince(ctx, cutoff)
	if err != nil {
		r.log.Error("running job listing failed", slog.Any("error", err))
		return
	}
	for jobID := range running {
		if observed[jobID] {
			continue
		}
		has, err := r.backend.HasWorker(ctx, jobID)
		if err != nil {
			r.log.Error("worker lookup failed", slog.String("job_id", jobID), slog.Any("error", err))
			continue
		}
		if has {
			continue
		}
		ok, err := r.jobs.MarkFailed(ctx, jobID, domain.FailReasonLost, time.Now().UTC())
		if err != nil {
			r.log.Error("lost job transition failed", slog.String("job_id", jobID), slog.Any("error", err))
			continue
		}
		if ok {
			observability.JobsReapedTotal.WithLabelValues("lost").Inc()
			r.log.Warn("job lost", slog.String("job_id", jobID))
		}
	}
}

// failGapJobs fails queued jobs stranded behind newer work, meaning their
// broker message disappeared between admission and the instancer.
func (r *Reaper) failGapJobs(ctx domain.Context) {
	cutoff := time.Now().UTC().Add(-3 * r.maxAge)
	n, err := r.jobs.FailGapJobs(ctx, cutoff, domain.FailReasonGap)
	if err != nil {
		r.log.Error("gap sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		observability.JobsReapedTotal.WithLabelValues("gap").Add(float64(n))
		r.log.Warn("queued jobs found in gap", slog.Int64("count", n))
	}
}

// failActions adapts the repository to the backend sweep callback.
type failActions struct {
	jobs domain.JobRepository
	log  *slog.Logger
}

func (a *failActions) FailJob(ctx domain.Context, jobID, reason string) {
	ok, err := a.jobs.MarkFailed(ctx, jobID, reason, time.Now().UTC())
	if err != nil {
		a.log.Error("job fail transition failed",
			slog.String("job_id", jobID),
			slog.String("reason", reason),
			slog.Any("error", err))
		return
	}
	if ok {
		observability.JobsReapedTotal.WithLabelValues(reason).Inc()
		a.log.Warn("job failed by reaper",
			slog.String("job_id", jobID),
			slog.String("reason", reason))
	}
}
