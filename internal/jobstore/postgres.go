package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/research-ingest/internal/db"
	"github.com/sells-group/research-ingest/internal/model"
	"github.com/sells-group/research-ingest/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	cfg     QueueConfig
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const claimSQL = `
WITH candidate AS (
	SELECT id FROM jobs
	WHERE cancel_requested = FALSE
	  AND attempts < max_attempts
	  AND (
	    (status IN ('queued','failed') AND (retry_at IS NULL OR retry_at <= now()))
	    OR (status = 'running' AND locked_at IS NOT NULL AND locked_at < now() - ($2 * interval '1 second'))
	  )
	ORDER BY created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE jobs j
SET status = 'running', locked_by = $1, locked_at = now(),
    attempts = j.attempts + 1, retry_at = NULL, updated_at = now()
FROM candidate c
WHERE j.id = c.id
RETURNING j.id, j.tenant_id, j.run_id, j.job_type, j.status, j.attempts, j.max_attempts,
          j.locked_at, j.locked_by, j.retry_at, j.last_error, j.cancel_requested,
          j.payload, j.result, j.created_at, j.updated_at`

const jobColumns = `id, tenant_id, run_id, job_type, status, attempts, max_attempts,
          locked_at, locked_by, retry_at, last_error, cancel_requested,
          payload, result, created_at, updated_at`

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest queue operations.
var preparedStatements = map[string]string{
	"claim_job":      claimSQL,
	"get_job":        `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`,
	"mark_succeeded": `UPDATE jobs SET status = 'succeeded', result = $2, locked_by = '', locked_at = NULL, retry_at = NULL, updated_at = now() WHERE id = $1 AND status = 'running'`,
	"append_event":   `INSERT INTO run_events (tenant_id, run_id, event_type, message, meta) VALUES ($1, $2, $3, $4, $5)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, queueCfg QueueConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "jobstore: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "jobstore: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "jobstore: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "jobstore: ping")
	}
	return &PostgresStore{pool: pool, cfg: applyQueueDefaults(queueCfg), closeFn: pool.Close}, nil
}

func applyQueueDefaults(cfg QueueConfig) QueueConfig {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	return cfg
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (the ingestion engine shares it).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id            UUID PRIMARY KEY,
	tenant_id     UUID NOT NULL,
	objective     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'queued',
	bundle_sha256 TEXT,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS jobs (
	id               UUID PRIMARY KEY,
	tenant_id        UUID NOT NULL,
	run_id           UUID NOT NULL REFERENCES runs(id),
	job_type         TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'queued',
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	locked_at        TIMESTAMPTZ,
	locked_by        TEXT NOT NULL DEFAULT '',
	retry_at         TIMESTAMPTZ,
	last_error       TEXT NOT NULL DEFAULT '',
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	payload          JSONB,
	result           JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT ck_jobs_attempts CHECK (attempts <= max_attempts)
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_jobs_active
	ON jobs(tenant_id, run_id, job_type)
	WHERE status IN ('queued','running','failed');
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, retry_at, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id);

CREATE TABLE IF NOT EXISTS run_events (
	id         BIGSERIAL PRIMARY KEY,
	tenant_id  UUID NOT NULL,
	run_id     UUID NOT NULL REFERENCES runs(id),
	event_type TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	meta       JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "jobstore: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "jobstore: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, params EnqueueParams) (*model.Job, error) {
	id := uuid.New()
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, tenant_id, run_id, job_type, status, max_attempts, payload)
		 VALUES ($1, $2, $3, $4, 'queued', $5, $6)
		 ON CONFLICT DO NOTHING`,
		id, params.TenantID, params.RunID, string(params.JobType), maxAttempts, params.Payload,
	)
	if err != nil {
		return nil, eris.Wrap(err, "jobstore: enqueue")
	}

	if tag.RowsAffected() == 0 {
		// An active job already exists for this (tenant, run, job_type).
		return s.activeJob(ctx, params.TenantID, params.RunID, params.JobType)
	}
	return s.GetJob(ctx, id)
}

func (s *PostgresStore) activeJob(ctx context.Context, tenantID, runID uuid.UUID, jobType model.JobType) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE tenant_id = $1 AND run_id = $2 AND job_type = $3
		   AND status IN ('queued','running','failed')
		 LIMIT 1`,
		tenantID, runID, string(jobType),
	)
	job, err := scanJob(row)
	if err != nil {
		return nil, eris.Wrap(err, "jobstore: get active job")
	}
	return job, nil
}

func (s *PostgresStore) Claim(ctx context.Context, workerID string, staleAfter time.Duration) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, claimSQL, workerID, staleAfter.Seconds())
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "jobstore: claim")
	}
	return job, nil
}

func (s *PostgresStore) MarkSucceeded(ctx context.Context, jobID uuid.UUID, result []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'succeeded', result = $2, locked_by = '', locked_at = NULL, retry_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		jobID, result,
	)
	if err != nil {
		return eris.Wrapf(err, "jobstore: mark succeeded %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not running: %s", jobID)
	}
	return nil
}

// MarkFailed applies the failure transition: below the attempt budget the
// job is rescheduled with deterministic exponential backoff; at the budget
// it becomes permanently_failed with retry_at cleared. The error message is
// preserved verbatim for operator inspection.
func (s *PostgresStore) MarkFailed(ctx context.Context, jobID uuid.UUID, jobErr string) (*model.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "jobstore: mark failed: begin")
	}
	defer tx.Rollback(ctx)

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx,
		`SELECT attempts, max_attempts FROM jobs WHERE id = $1 AND status = 'running' FOR UPDATE`,
		jobID,
	).Scan(&attempts, &maxAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("job not running: %s", jobID)
		}
		return nil, eris.Wrapf(err, "jobstore: mark failed: lock %s", jobID)
	}

	var row pgx.Row
	if attempts >= maxAttempts {
		row = tx.QueryRow(ctx,
			`UPDATE jobs SET status = 'permanently_failed', retry_at = NULL,
			        locked_by = '', locked_at = NULL, last_error = $2, updated_at = now()
			 WHERE id = $1 RETURNING `+jobColumns,
			jobID, jobErr,
		)
	} else {
		retryAt := time.Now().UTC().Add(resilience.JobBackoff(attempts, s.cfg.BackoffBase, s.cfg.BackoffCap))
		row = tx.QueryRow(ctx,
			`UPDATE jobs SET status = 'failed', retry_at = $2,
			        locked_by = '', locked_at = NULL, last_error = $3, updated_at = now()
			 WHERE id = $1 RETURNING `+jobColumns,
			jobID, retryAt, jobErr,
		)
	}

	job, err := scanJob(row)
	if err != nil {
		return nil, eris.Wrapf(err, "jobstore: mark failed %s", jobID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "jobstore: mark failed: commit")
	}
	return job, nil
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, jobID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled', retry_at = NULL, locked_by = '', locked_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "jobstore: mark cancelled %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not running: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID uuid.UUID) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, eris.Wrapf(err, "jobstore: get job %s", jobID)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.TenantID != uuid.Nil {
		query += fmt.Sprintf(` AND tenant_id = $%d`, argIdx)
		args = append(args, filter.TenantID)
		argIdx++
	}
	if filter.RunID != uuid.Nil {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "jobstore: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "jobstore: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "jobstore: list jobs iterate")
}

func (s *PostgresStore) Cancel(ctx context.Context, jobID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET cancel_requested = TRUE,
		        status = CASE WHEN status IN ('queued','failed') THEN 'cancelled' ELSE status END,
		        retry_at = CASE WHEN status IN ('queued','failed') THEN NULL ELSE retry_at END,
		        updated_at = now()
		 WHERE id = $1 AND status NOT IN ('succeeded','permanently_failed','cancelled')`,
		jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "jobstore: cancel %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not cancellable: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) Retry(ctx context.Context, jobID uuid.UUID, resetAttempts bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'queued', retry_at = NULL, locked_by = '', locked_at = NULL,
		        cancel_requested = FALSE,
		        attempts = CASE WHEN $2 THEN 0 ELSE LEAST(attempts, max_attempts - 1) END,
		        updated_at = now()
		 WHERE id = $1 AND status IN ('failed','permanently_failed','cancelled')`,
		jobID, resetAttempts,
	)
	if err != nil {
		return eris.Wrapf(err, "jobstore: retry %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not retryable: %s", jobID)
	}
	return nil
}

// ReclaimStale returns stuck running jobs to the queue once their lock age
// exceeds the cutoff. Jobs that already spent their attempt budget go to
// permanently_failed instead of looping forever.
func (s *PostgresStore) ReclaimStale(ctx context.Context, workerID string, cutoff time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
		        status = CASE WHEN attempts >= max_attempts THEN 'permanently_failed' ELSE 'queued' END,
		        last_error = CASE WHEN attempts >= max_attempts THEN 'lease expired after exhausting attempts' ELSE last_error END,
		        locked_by = '', locked_at = NULL, updated_at = now()
		 WHERE status = 'running'
		   AND locked_at IS NOT NULL
		   AND locked_at < now() - ($2 * interval '1 second')
		   AND ($1 = '' OR locked_by = $1)`,
		workerID, cutoff.Seconds(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "jobstore: reclaim stale")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, tenantID, runID uuid.UUID, objective string) (*model.Run, error) {
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, tenant_id, objective, status) VALUES ($1, $2, $3, 'queued')
		 ON CONFLICT (id) DO NOTHING`,
		runID, tenantID, objective,
	)
	if err != nil {
		return nil, eris.Wrap(err, "jobstore: create run")
	}
	return s.GetRun(ctx, runID)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID uuid.UUID) (*model.Run, error) {
	var r model.Run
	var bundleSHA *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, objective, status, bundle_sha256, started_at, finished_at, last_error, created_at, updated_at
		 FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.TenantID, &r.Objective, &r.Status, &bundleSHA, &r.StartedAt, &r.FinishedAt, &r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "jobstore: get run %s", runID)
	}
	if bundleSHA != nil {
		r.BundleSHA256 = *bundleSHA
	}
	return &r, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID uuid.UUID, status model.RunStatus, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, last_error = $3,
		        started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
		        finished_at = CASE WHEN $2 IN ('succeeded','failed','cancelled') THEN now() ELSE finished_at END,
		        updated_at = now()
		 WHERE id = $1`,
		runID, string(status), lastErr,
	)
	if err != nil {
		return eris.Wrapf(err, "jobstore: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) SetRunBundleHash(ctx context.Context, runID uuid.UUID, sha256 string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET bundle_sha256 = $2, updated_at = now() WHERE id = $1`,
		runID, sha256,
	)
	if err != nil {
		return eris.Wrapf(err, "jobstore: set run bundle hash %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_events (tenant_id, run_id, event_type, message, meta) VALUES ($1, $2, $3, $4, $5)`,
		ev.TenantID, ev.RunID, ev.EventType, ev.Message, ev.Meta,
	)
	return eris.Wrap(err, "jobstore: append event")
}

func (s *PostgresStore) ListEvents(ctx context.Context, runID uuid.UUID, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, run_id, event_type, message, meta, created_at
		 FROM run_events WHERE run_id = $1 ORDER BY id DESC LIMIT $2`,
		runID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "jobstore: list events")
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.RunID, &ev.EventType, &ev.Message, &ev.Meta, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "jobstore: scan event")
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "jobstore: list events iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var jobType string
	err := row.Scan(&j.ID, &j.TenantID, &j.RunID, &jobType, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.LockedAt, &j.LockedBy, &j.RetryAt, &j.LastError, &j.CancelRequested,
		&j.Payload, &j.Result, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.JobType = model.JobType(jobType)
	return &j, nil
}
