package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-ingest/internal/bundle"
	"github.com/sells-group/research-ingest/internal/config"
	"github.com/sells-group/research-ingest/internal/ingest"
	"github.com/sells-group/research-ingest/internal/jobstore"
	"github.com/sells-group/research-ingest/internal/model"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStores(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      newRouter(st, cfg),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("http server listening", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		zap.L().Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

type apiServer struct {
	jobs jobstore.Store
	cfg  *config.Config
	log  *zap.Logger
}

func newRouter(st *stores, cfg *config.Config) http.Handler {
	api := &apiServer{
		jobs: st.jobs,
		cfg:  cfg,
		log:  zap.L().With(zap.String("component", "api")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", api.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", api.handleEnqueue)
		r.Get("/jobs", api.handleListJobs)
		r.Get("/jobs/{id}", api.handleGetJob)
		r.Post("/jobs/{id}/cancel", api.handleCancel)
		r.Post("/jobs/{id}/retry", api.handleRetry)
		r.Post("/jobs/reclaim", api.handleReclaim)
		r.Get("/runs/{id}", api.handleGetRun)
	})
	return r
}

func (a *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	TenantID    uuid.UUID       `json:"tenant_id"`
	RunID       uuid.UUID       `json:"run_id,omitempty"`
	Objective   string          `json:"objective,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Bundle      json.RawMessage `json:"bundle"`
}

func (a *apiServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	body := http.MaxBytesReader(w, r.Body, a.cfg.Ingest.MaxBundleBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TenantID == uuid.Nil {
		writeError(w, http.StatusBadRequest, errors.New("tenant_id is required"))
		return
	}
	if len(req.Bundle) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("bundle is required"))
		return
	}

	var b bundle.Bundle
	if err := json.Unmarshal(req.Bundle, &b); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := bundle.Validate(&b); err != nil {
		var verr *bundle.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      "bundle validation failed",
				"violations": verr.Violations,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	hash, err := ingest.BundleHash(&b)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	ctx := r.Context()
	runID := req.RunID
	if runID == uuid.Nil {
		runID = b.RunID
	}
	objective := req.Objective
	if objective == "" {
		objective = b.Objective
	}
	run, err := a.jobs.CreateRun(ctx, req.TenantID, runID, objective)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if run.BundleSHA256 == hash {
		writeJSON(w, http.StatusOK, map[string]any{
			"run_id":        run.ID,
			"reused":        true,
			"reused_reason": model.ReusedReasonDuplicateHash,
			"bundle_sha256": hash,
		})
		return
	}

	job, err := a.jobs.Enqueue(ctx, jobstore.EnqueueParams{
		TenantID:    req.TenantID,
		RunID:       run.ID,
		JobType:     model.JobTypeIngestBundle,
		Payload:     req.Bundle,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.log.Info("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("run_id", run.ID.String()))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":        job.ID,
		"run_id":        run.ID,
		"status":        job.Status,
		"bundle_sha256": hash,
	})
}

func (a *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter jobstore.JobFilter
	q := r.URL.Query()
	if v := q.Get("tenant"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.TenantID = id
	}
	if v := q.Get("run"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.RunID = id
	}
	if v := q.Get("state"); v != "" {
		filter.Status = model.JobStatus(v)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.Limit = n
	}
	jobs, err := a.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := a.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, storeErrStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.jobs.Cancel(r.Context(), jobID); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	job, err := a.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, storeErrStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *apiServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reset := r.URL.Query().Get("reset_attempts") == "true"
	if err := a.jobs.Retry(r.Context(), jobID, reset); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	job, err := a.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, storeErrStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *apiServer) handleReclaim(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cutoff := a.cfg.Worker.StaleAfter
	if v := q.Get("cutoff"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cutoff = d
	}
	n, err := a.jobs.ReclaimStale(r.Context(), q.Get("worker"), cutoff)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reclaimed": n})
}

func (a *apiServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, err := a.jobs.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, storeErrStatus(err), err)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("events"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	events, err := a.jobs.ListEvents(r.Context(), runID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "events": events})
}

func storeErrStatus(err error) int {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
