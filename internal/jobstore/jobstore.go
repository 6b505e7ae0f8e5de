// Package jobstore implements the persisted job queue. All worker
// coordination happens through the shared store: jobs are claimed with an
// atomic lock-and-skip operation, so no two workers ever own the same row
// and no central coordinator is needed.
package jobstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/research-ingest/internal/model"
)

// EnqueueParams describes a job to enqueue. Enqueue is idempotent: at most
// one active (queued, running, or retry-pending) job exists per
// (tenant, run, job_type), and re-enqueueing returns the existing job.
type EnqueueParams struct {
	TenantID    uuid.UUID
	RunID       uuid.UUID
	JobType     model.JobType
	Payload     []byte
	MaxAttempts int
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	TenantID uuid.UUID       `json:"tenant_id,omitempty"`
	RunID    uuid.UUID       `json:"run_id,omitempty"`
	Status   model.JobStatus `json:"status,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// QueueConfig holds retry policy applied by the store's state machine.
type QueueConfig struct {
	DefaultMaxAttempts int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
}

// Store defines the persistence interface for jobs, runs, and the run
// event log.
type Store interface {
	// Jobs. Claim returns (nil, nil) when no job is eligible. Rows are
	// mutated only through these operations, never ad hoc.
	Enqueue(ctx context.Context, params EnqueueParams) (*model.Job, error)
	Claim(ctx context.Context, workerID string, staleAfter time.Duration) (*model.Job, error)
	MarkSucceeded(ctx context.Context, jobID uuid.UUID, result []byte) error
	MarkFailed(ctx context.Context, jobID uuid.UUID, jobErr string) (*model.Job, error)
	MarkCancelled(ctx context.Context, jobID uuid.UUID) error
	GetJob(ctx context.Context, jobID uuid.UUID) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)

	// Control operations exposed to the caller layer.
	Cancel(ctx context.Context, jobID uuid.UUID) error
	Retry(ctx context.Context, jobID uuid.UUID, resetAttempts bool) error
	ReclaimStale(ctx context.Context, workerID string, cutoff time.Duration) (int, error)

	// Runs
	CreateRun(ctx context.Context, tenantID, runID uuid.UUID, objective string) (*model.Run, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID uuid.UUID, status model.RunStatus, lastErr string) error
	SetRunBundleHash(ctx context.Context, runID uuid.UUID, sha256 string) error

	// Event log
	AppendEvent(ctx context.Context, ev model.Event) error
	ListEvents(ctx context.Context, runID uuid.UUID, limit int) ([]model.Event, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
