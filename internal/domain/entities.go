// Package domain holds the core entities, the job status machine and the
// ports implemented by the adapters. It stays free of transport concerns.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrPrecondition    = errors.New("precondition failed")
	ErrEnqueueFailed   = errors.New("enqueue failed")
	ErrInternal        = errors.New("internal error")
)

// JobStatus is the persisted lifecycle state of a Job.
//
// Transitions are monotone: queued -> running -> {succeeded, failed} and
// queued -> failed. All writers go through CAS updates so a terminal state
// is never left.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool { return s == JobSucceeded || s == JobFailed }

// Job is the primary persisted entity, owned by the database.
//
// Invariants: StartedAt is set iff the job ever reached running; FinishedAt
// is set iff the status is terminal; Result non-nil implies the worker
// delivered a schema-valid report, which can accompany either terminal
// status; ResultError non-empty implies failed.
type Job struct {
	ID               string
	Status           JobStatus
	UserID           string
	Model            string
	FileName         string
	SecretRef        *string
	ResultToken      string
	Result           map[string]any
	ResultError      string
	ResultReceivedAt *time.Time
	Public           bool
	CreatedAt        time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// JobMessage is the broker payload published on admission and consumed by
// the instancer. Serialized as JSON with persistent delivery.
type JobMessage struct {
	Type        string `json:"type"`
	JobID       string `json:"job_id"`
	SecretRef   string `json:"secret_ref"`
	Model       string `json:"model"`
	ResultToken string `json:"result_token"`
}

// JobMessageType is the only message type the work queue carries.
const JobMessageType = "job.start"

// KeyMode selects how the worker-side credential envelope is interpreted.
const (
	KeyModeDirect      = "direct"
	KeyModeProxy       = "proxy"
	KeyModeProxyStatic = "proxy_static"
)

// StaticKeyMarker is the literal token emitted in proxy_static mode. The
// model proxy substitutes its own key; the worker never sees a credential.
const StaticKeyMarker = "STATIC"

// JobRepository persists jobs and performs all status transitions.
type JobRepository interface {
	Create(ctx Context, j Job) error
	// Delete removes a job row; used only by admission compensation.
	Delete(ctx Context, id string) error
	Get(ctx Context, id string) (Job, error)
	// HasActiveJob reports whether the user owns a queued or running job.
	HasActiveJob(ctx Context, userID string) (bool, error)
	// QueuePosition computes the 1-based position of a queued job ordered
	// by (created_at, id); returns 0 for non-queued jobs.
	QueuePosition(ctx Context, id string) (int, error)
	History(ctx Context, userID string) ([]Job, error)
	SetPublic(ctx Context, id string, public bool) error
	// MarkRunning performs the CAS transition queued -> running.
	MarkRunning(ctx Context, id string, at time.Time) (bool, error)
	// MarkFailed performs the CAS transition {queued,running} -> failed.
	MarkFailed(ctx Context, id, reason string, at time.Time) (bool, error)
	// Finalize writes the terminal state delivered by the result service.
	Finalize(ctx Context, id string, status JobStatus, result map[string]any, resultError string, at time.Time) (bool, error)
	// ListRunningSince returns ids and start times of running jobs whose
	// started_at is older than the cutoff.
	ListRunningSince(ctx Context, cutoff time.Time) (map[string]time.Time, error)
	// FailGapJobs fails queued jobs stranded behind the newest non-queued
	// job and older than the cutoff; returns the number of rows updated.
	FailGapJobs(ctx Context, cutoff time.Time, reason string) (int64, error)
}

// Publisher is the durable broker publish port used by admission.
type Publisher interface {
	PublishJobStart(ctx Context, msg JobMessage) error
}

// SecretStore is the one-shot bundle storage port.
type SecretStore interface {
	Put(ctx Context, ref string, bundle []byte) error
	Get(ctx Context, ref string) ([]byte, error)
	Delete(ctx Context, ref string) error
}

// StartWorkerOptions carries everything an isolation backend needs to spawn
// one worker for one job.
type StartWorkerOptions struct {
	JobID       string
	SecretRef   string
	Model       string
	ResultToken string
}

// SweepActions is handed to a backend sweep so worker-side reconciliation
// can transition jobs without the backend importing the repository.
type SweepActions interface {
	// FailJob CAS-fails the job with the given reason; no-op once terminal.
	FailJob(ctx Context, jobID, reason string)
}

// WorkerBackend abstracts the isolation backend (container engine or pod
// orchestrator). Implementations must label workers with manager name, job
// id and start timestamp so the reaper can find them.
type WorkerBackend interface {
	// StartWorker spawns one isolated worker and returns its opaque handle.
	StartWorker(ctx Context, opts StartWorkerOptions) (string, error)
	// RunningWorkers counts live workers managed by this instancer.
	RunningWorkers(ctx Context) (int, error)
	// DefaultMaxConcurrency returns the cap used when none is configured;
	// zero means unbounded.
	DefaultMaxConcurrency() int
	// Sweep reconciles workers against their jobs and returns the set of
	// job ids observed on the backend during this pass.
	Sweep(ctx Context, actions SweepActions) (map[string]bool, error)
	// HasWorker reports whether any worker (in any state) exists for the
	// job id; the reaper uses it to confirm a lost job.
	HasWorker(ctx Context, jobID string) (bool, error)
}

// Context is an alias so ports read uniformly; adapters pass
// context.Context straight through.
type Context = context.Context

// Failure reasons written to result_error by the reaper and DLQ consumer.
const (
	FailReasonCrashed = "crashed"
	FailReasonTimeout = "job ran out of time"
	FailReasonLost    = "lost"
	FailReasonGap     = "found in gap"
	FailReasonExpired = "queue wait expired"
)
