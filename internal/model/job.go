package model

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusQueued            JobStatus = "queued"
	JobStatusRunning           JobStatus = "running"
	JobStatusSucceeded         JobStatus = "succeeded"
	JobStatusFailed            JobStatus = "failed"
	JobStatusPermanentlyFailed JobStatus = "permanently_failed"
	JobStatusCancelled         JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further automatic transition.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusPermanentlyFailed || s == JobStatusCancelled
}

// JobType identifies the kind of work a job row carries.
type JobType string

const (
	// JobTypeIngestBundle processes a research bundle into canonical storage.
	JobTypeIngestBundle JobType = "ingest_bundle"
)

// Job is one unit of durable work. Rows are owned exclusively by the job
// store until claimed; workers mutate them only through store operations.
type Job struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	RunID           uuid.UUID  `json:"run_id"`
	JobType         JobType    `json:"job_type"`
	Status          JobStatus  `json:"status"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
	LockedBy        string     `json:"locked_by,omitempty"`
	RetryAt         *time.Time `json:"retry_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	Payload         []byte     `json:"payload,omitempty"`
	Result          []byte     `json:"result,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// JobStatusInfo is the status readback surface exposed to callers.
type JobStatusInfo struct {
	ID          uuid.UUID  `json:"id"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	RetryAt     *time.Time `json:"retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// StatusInfo projects the job onto its readback surface.
func (j *Job) StatusInfo() JobStatusInfo {
	return JobStatusInfo{
		ID:          j.ID,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		RetryAt:     j.RetryAt,
		LastError:   j.LastError,
	}
}
