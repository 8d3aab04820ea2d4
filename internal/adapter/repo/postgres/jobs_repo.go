package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-sol-auditor/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// JobRepo persists and loads jobs using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, status, user_id, model, file_name, secret_ref, result_token, result, COALESCE(result_error,''), result_received_at, public, created_at, started_at, finished_at`

// Create inserts a new job in queued state.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `INSERT INTO jobs (id, status, user_id, model, file_name, secret_ref, result_token, public, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	createdAt := j.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.Pool.Exec(ctx, q, j.ID, j.Status, j.UserID, j.Model, j.FileName, j.SecretRef, j.ResultToken, j.Public, createdAt)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// Delete removes a job row. Admission compensation is the only caller.
func (r *JobRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Delete")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=job.delete: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// HasActiveJob reports whether the user owns a queued or running job.
func (r *JobRepo) HasActiveJob(ctx domain.Context, userID string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.HasActiveJob")
	defer span.End()
	q := `SELECT EXISTS (SELECT 1 FROM jobs WHERE user_id=$1 AND status IN ('queued','running'))`
	var exists bool
	if err := r.Pool.QueryRow(ctx, q, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("op=job.has_active: %w", err)
	}
	return exists, nil
}

// QueuePosition computes the 1-based position of a queued job among queued
// jobs ordered by (created_at, id). Non-queued jobs get position 0.
func (r *JobRepo) QueuePosition(ctx domain.Context, id string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.QueuePosition")
	defer span.End()
	q := `SELECT 1 + COUNT(*) FROM jobs o, jobs j
	      WHERE j.id=$1 AND j.status='queued' AND o.status='queued'
	        AND (o.created_at < j.created_at OR (o.created_at = j.created_at AND o.id < j.id))`
	var pos int
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&pos); err != nil {
		return 0, fmt.Errorf("op=job.queue_position: %w", err)
	}
	return pos, nil
}

// History lists the user's jobs, newest first.
func (r *JobRepo) History(ctx domain.Context, userID string) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.History")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id=$1 ORDER BY created_at DESC, id DESC`
	rows, err := r.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("op=job.history: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.history: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.history: %w", err)
	}
	return out, nil
}

// SetPublic toggles the result visibility flag.
func (r *JobRepo) SetPublic(ctx domain.Context, id string, public bool) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetPublic")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE jobs SET public=$2 WHERE id=$1`, id, public)
	if err != nil {
		return fmt.Errorf("op=job.set_public: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.set_public: %w", domain.ErrNotFound)
	}
	return nil
}

// MarkRunning performs the CAS transition queued -> running, recording the
// start time. Returns false without error when the job is not queued.
func (r *JobRepo) MarkRunning(ctx domain.Context, id string, at time.Time) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkRunning")
	defer span.End()
	q := `UPDATE jobs SET status='running', started_at=$2 WHERE id=$1 AND status='queued'`
	tag, err := r.Pool.Exec(ctx, q, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("op=job.mark_running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed performs the CAS transition {queued,running} -> failed with the
// given reason. Terminal jobs are left untouched and reported as false.
func (r *JobRepo) MarkFailed(ctx domain.Context, id, reason string, at time.Time) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkFailed")
	defer span.End()
	q := `UPDATE jobs SET status='failed', result_error=$2, finished_at=$3
	      WHERE id=$1 AND status IN ('queued','running')`
	tag, err := r.Pool.Exec(ctx, q, id, reason, at.UTC())
	if err != nil {
		return false, fmt.Errorf("op=job.mark_failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Finalize writes the terminal state delivered by the result service. The
// job must still be running; a false return means the CAS lost.
func (r *JobRepo) Finalize(ctx domain.Context, id string, status domain.JobStatus, result map[string]any, resultError string, at time.Time) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Finalize")
	defer span.End()
	if !status.Terminal() {
		return false, fmt.Errorf("op=job.finalize: non-terminal status %q: %w", status, domain.ErrInvalidArgument)
	}
	var resultJSON []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return false, fmt.Errorf("op=job.finalize: %w", err)
		}
		resultJSON = b
	}
	q := `UPDATE jobs SET status=$2, result=$3, result_error=$4, result_received_at=$5, finished_at=$5
	      WHERE id=$1 AND status='running'`
	tag, err := r.Pool.Exec(ctx, q, id, status, resultJSON, resultError, at.UTC())
	if err != nil {
		return false, fmt.Errorf("op=job.finalize: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListRunningSince returns ids and start times of running jobs started
// before the cutoff.
func (r *JobRepo) ListRunningSince(ctx domain.Context, cutoff time.Time) (map[string]time.Time, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListRunningSince")
	defer span.End()
	q := `SELECT id, started_at FROM jobs WHERE status='running' AND started_at IS NOT NULL AND started_at < $1`
	rows, err := r.Pool.Query(ctx, q, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=job.list_running: %w", err)
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var startedAt time.Time
		if err := rows.Scan(&id, &startedAt); err != nil {
			return nil, fmt.Errorf("op=job.list_running: %w", err)
		}
		out[id] = startedAt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_running: %w", err)
	}
	return out, nil
}

// FailGapJobs fails queued jobs stranded behind the newest non-queued job.
// A stranded job was created strictly before that anchor in (created_at, id)
// order and before the cutoff, so the consumer must have skipped it.
func (r *JobRepo) FailGapJobs(ctx domain.Context, cutoff time.Time, reason string) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FailGapJobs")
	defer span.End()
	q := `UPDATE jobs SET status='failed', result_error=$2, finished_at=now()
	      FROM (SELECT created_at, id FROM jobs WHERE status <> 'queued'
	            ORDER BY created_at DESC, id DESC LIMIT 1) anchor
	      WHERE jobs.status='queued'
	        AND (jobs.created_at < anchor.created_at OR (jobs.created_at = anchor.created_at AND jobs.id < anchor.id))
	        AND jobs.created_at < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff.UTC(), reason)
	if err != nil {
		return 0, fmt.Errorf("op=job.fail_gap: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var resultJSON []byte
	if err := row.Scan(&j.ID, &j.Status, &j.UserID, &j.Model, &j.FileName, &j.SecretRef, &j.ResultToken,
		&resultJSON, &j.ResultError, &j.ResultReceivedAt, &j.Public, &j.CreatedAt, &j.StartedAt, &j.FinishedAt); err != nil {
		return domain.Job{}, err
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &j.Result); err != nil {
			return domain.Job{}, fmt.Errorf("corrupt result payload: %w", err)
		}
	}
	return j, nil
}
