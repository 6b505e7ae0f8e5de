// Package worker polls the job store, claims eligible jobs, and drives them
// through validation and ingestion. Any number of worker processes may run
// concurrently; all coordination happens through the job store's atomic
// claim operation.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/research-ingest/internal/bundle"
	"github.com/sells-group/research-ingest/internal/config"
	"github.com/sells-group/research-ingest/internal/ingest"
	"github.com/sells-group/research-ingest/internal/jobstore"
	"github.com/sells-group/research-ingest/internal/model"
	"github.com/sells-group/research-ingest/internal/resilience"
)

// Worker claims and executes ingestion jobs.
type Worker struct {
	id     string
	jobs   jobstore.Store
	engine *ingest.Engine
	cfg    config.WorkerConfig
	log    *zap.Logger
}

func New(id string, jobs jobstore.Store, engine *ingest.Engine, cfg config.WorkerConfig) *Worker {
	if id == "" {
		id = "worker-" + uuid.NewString()[:8]
	}
	return &Worker{
		id:     id,
		jobs:   jobs,
		engine: engine,
		cfg:    cfg,
		log:    zap.L().With(zap.String("component", "worker"), zap.String("worker_id", id)),
	}
}

// ID returns the worker's lease identity as recorded in locked_by.
func (w *Worker) ID() string {
	return w.id
}

// Run polls until the context is cancelled. Claims are paced by the claim
// rate limiter; claimed jobs execute on a bounded group so at most
// Concurrency jobs run at once.
func (w *Worker) Run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(w.cfg.ClaimRate), 1)
	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)

	w.log.Info("worker started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Duration("stale_after", w.cfg.StaleAfter))

	for {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		job, err := w.jobs.Claim(ctx, w.id, w.cfg.StaleAfter)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error("claim failed", zap.Error(err))
			if !w.sleep(ctx) {
				break
			}
			continue
		}
		if job == nil {
			if !w.sleep(ctx) {
				break
			}
			continue
		}

		g.Go(func() error {
			w.Process(ctx, job)
			return nil
		})
	}

	err := g.Wait()
	w.log.Info("worker stopped")
	return err
}

// sleep waits one poll interval; false means the context ended.
func (w *Worker) sleep(ctx context.Context) bool {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Process runs one claimed job to completion and records the outcome. It
// never returns an error: every failure path ends in a job store transition.
func (w *Worker) Process(ctx context.Context, job *model.Job) {
	log := w.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("run_id", job.RunID.String()),
		zap.Int("attempt", job.Attempts))
	log.Info("job claimed")

	w.event(ctx, job, model.EventJobClaimed, "claimed by "+w.id, nil)
	if err := w.jobs.UpdateRunStatus(ctx, job.RunID, model.RunStatusRunning, ""); err != nil {
		log.Warn("run status update failed", zap.Error(err))
	}

	// Cancellation is honored before the expensive work begins; once the
	// ingestion transaction starts it runs to completion.
	if w.cancelled(ctx, job) {
		if err := w.jobs.MarkCancelled(ctx, job.ID); err != nil {
			log.Error("mark cancelled failed", zap.Error(err))
			return
		}
		w.event(ctx, job, model.EventJobCancelled, "cancelled before ingestion", nil)
		if err := w.jobs.UpdateRunStatus(ctx, job.RunID, model.RunStatusCancelled, ""); err != nil {
			log.Warn("run status update failed", zap.Error(err))
		}
		log.Info("job cancelled")
		return
	}

	res, err := w.execute(ctx, job)
	if err != nil {
		w.fail(ctx, job, err, log)
		return
	}

	result, err := json.Marshal(res)
	if err != nil {
		w.fail(ctx, job, eris.Wrap(err, "marshal result"), log)
		return
	}
	if err := resilience.Do(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) error {
		return w.jobs.MarkSucceeded(ctx, job.ID, result)
	}); err != nil {
		log.Error("mark succeeded failed", zap.Error(err))
		return
	}

	eventType := model.EventJobSucceeded
	msg := "bundle ingested"
	if res.Reused {
		eventType = model.EventBundleReused
		msg = "bundle reused: " + res.ReusedReason
	}
	w.event(ctx, job, eventType, msg, result)
	if err := w.jobs.UpdateRunStatus(ctx, job.RunID, model.RunStatusSucceeded, ""); err != nil {
		log.Warn("run status update failed", zap.Error(err))
	}
	log.Info("job succeeded",
		zap.Int("companies", res.CompaniesUpserted),
		zap.Int("evidence_links", res.EvidenceLinksAdded),
		zap.Bool("reused", res.Reused))
}

// execute decodes the payload and runs the single-transaction ingestion.
func (w *Worker) execute(ctx context.Context, job *model.Job) (*model.IngestResult, error) {
	var b bundle.Bundle
	if err := json.Unmarshal(job.Payload, &b); err != nil {
		return nil, eris.Wrap(err, "decode bundle payload")
	}

	var priorHash string
	run, err := w.jobs.GetRun(ctx, job.RunID)
	if err != nil {
		return nil, eris.Wrap(err, "load run")
	}
	priorHash = run.BundleSHA256

	res, err := w.engine.Ingest(ctx, job.TenantID, job.RunID, &b, priorHash)
	if err != nil {
		return nil, err
	}

	hash, err := ingest.BundleHash(&b)
	if err != nil {
		return nil, err
	}
	if hash != priorHash {
		if err := w.jobs.SetRunBundleHash(ctx, job.RunID, hash); err != nil {
			return nil, eris.Wrap(err, "record bundle hash")
		}
	}
	w.event(ctx, job, model.EventSourceProcessed, "", mustMeta(map[string]any{
		"sources":   len(res.SourceDocumentIDs),
		"companies": res.CompaniesUpserted,
	}))
	return res, nil
}

// fail records a failure against the job state machine. The error message is
// preserved verbatim; whether the job retries or lands in permanently_failed
// is the store's decision.
func (w *Worker) fail(ctx context.Context, job *model.Job, jobErr error, log *zap.Logger) {
	failed, err := w.jobs.MarkFailed(ctx, job.ID, jobErr.Error())
	if err != nil {
		log.Error("mark failed failed", zap.Error(err))
		return
	}

	w.event(ctx, job, model.EventJobFailed, jobErr.Error(), mustMeta(map[string]any{
		"attempts": failed.Attempts,
		"class":    resilience.ClassifyError(jobErr),
	}))

	if failed.Status == model.JobStatusPermanentlyFailed {
		if err := w.jobs.UpdateRunStatus(ctx, job.RunID, model.RunStatusFailed, jobErr.Error()); err != nil {
			log.Warn("run status update failed", zap.Error(err))
		}
		log.Error("job permanently failed", zap.Error(jobErr), zap.Int("attempts", failed.Attempts))
		return
	}

	if err := w.jobs.UpdateRunStatus(ctx, job.RunID, model.RunStatusQueued, jobErr.Error()); err != nil {
		log.Warn("run status update failed", zap.Error(err))
	}
	log.Warn("job failed, retry scheduled",
		zap.Error(jobErr),
		zap.Int("attempts", failed.Attempts),
		zap.Timep("retry_at", failed.RetryAt))
}

// cancelled re-reads the job's cancel flag right before ingestion.
func (w *Worker) cancelled(ctx context.Context, job *model.Job) bool {
	if job.CancelRequested {
		return true
	}
	fresh, err := w.jobs.GetJob(ctx, job.ID)
	if err != nil {
		w.log.Warn("cancel check failed", zap.Error(err))
		return false
	}
	return fresh.CancelRequested
}

func (w *Worker) event(ctx context.Context, job *model.Job, eventType, message string, meta []byte) {
	err := w.jobs.AppendEvent(ctx, model.Event{
		TenantID:  job.TenantID,
		RunID:     job.RunID,
		EventType: eventType,
		Message:   message,
		Meta:      meta,
	})
	if err != nil {
		w.log.Warn("event append failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

func mustMeta(m map[string]any) []byte {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return raw
}
