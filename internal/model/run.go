package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the current state of a research run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is one research run: a named scope under which bundles are accepted
// and canonical prospects are deduplicated.
type Run struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	Objective    string     `json:"objective"`
	Status       RunStatus  `json:"status"`
	BundleSHA256 string     `json:"bundle_sha256,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Event is one append-only audit record attached to a run.
type Event struct {
	ID        int64     `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	RunID     uuid.UUID `json:"run_id"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	Meta      []byte    `json:"meta,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event types written by the worker and ingestion engine.
const (
	EventJobClaimed      = "job_claimed"
	EventSourceProcessed = "source_processed"
	EventJobSucceeded    = "job_succeeded"
	EventJobFailed       = "job_failed"
	EventJobCancelled    = "job_cancelled"
	EventBundleAccepted  = "bundle_accepted"
	EventBundleReused    = "bundle_reused"
)
