package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/research-ingest/internal/bundle"
	"github.com/sells-group/research-ingest/internal/ingest"
	"github.com/sells-group/research-ingest/internal/jobstore"
	"github.com/sells-group/research-ingest/internal/model"
)

var (
	enqueueTenant      string
	enqueueRun         string
	enqueueFile        string
	enqueueObjective   string
	enqueueMaxAttempts int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Validate a bundle and queue it for ingestion",
	Long:  "Reads a bundle JSON file, validates it, and enqueues an ingestion job. Re-submitting a bundle whose content hash matches the run's last accepted bundle reports reuse without queueing.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("enqueue"); err != nil {
			return err
		}

		tenantID, err := uuid.Parse(enqueueTenant)
		if err != nil {
			return eris.Wrap(err, "parse --tenant")
		}
		runID := uuid.Nil
		if enqueueRun != "" {
			if runID, err = uuid.Parse(enqueueRun); err != nil {
				return eris.Wrap(err, "parse --run")
			}
		}

		payload, err := readBundleFile(enqueueFile)
		if err != nil {
			return err
		}
		var b bundle.Bundle
		if err := json.Unmarshal(payload, &b); err != nil {
			return eris.Wrap(err, "decode bundle")
		}
		if err := bundle.Validate(&b); err != nil {
			return err
		}
		hash, err := ingest.BundleHash(&b)
		if err != nil {
			return err
		}

		st, err := initStores(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if runID == uuid.Nil && b.RunID != uuid.Nil {
			runID = b.RunID
		}
		objective := enqueueObjective
		if objective == "" {
			objective = b.Objective
		}
		run, err := st.jobs.CreateRun(ctx, tenantID, runID, objective)
		if err != nil {
			return err
		}

		out := json.NewEncoder(os.Stdout)
		out.SetIndent("", "  ")

		if run.BundleSHA256 == hash {
			return out.Encode(map[string]any{
				"run_id":        run.ID,
				"reused":        true,
				"reused_reason": model.ReusedReasonDuplicateHash,
				"bundle_sha256": hash,
			})
		}

		job, err := st.jobs.Enqueue(ctx, jobstore.EnqueueParams{
			TenantID:    tenantID,
			RunID:       run.ID,
			JobType:     model.JobTypeIngestBundle,
			Payload:     payload,
			MaxAttempts: enqueueMaxAttempts,
		})
		if err != nil {
			return err
		}

		return out.Encode(map[string]any{
			"job_id":        job.ID,
			"run_id":        run.ID,
			"status":        job.Status,
			"bundle_sha256": hash,
		})
	},
}

func readBundleFile(path string) ([]byte, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "open bundle file")
		}
		defer f.Close()
		r = f
	}
	raw, err := io.ReadAll(io.LimitReader(r, cfg.Ingest.MaxBundleBytes+1))
	if err != nil {
		return nil, eris.Wrap(err, "read bundle")
	}
	if int64(len(raw)) > cfg.Ingest.MaxBundleBytes {
		return nil, eris.Errorf("bundle exceeds %d bytes", cfg.Ingest.MaxBundleBytes)
	}
	return raw, nil
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueTenant, "tenant", "", "tenant UUID (required)")
	enqueueCmd.Flags().StringVar(&enqueueRun, "run", "", "run UUID (generated when omitted)")
	enqueueCmd.Flags().StringVar(&enqueueFile, "file", "-", "bundle JSON file, - for stdin")
	enqueueCmd.Flags().StringVar(&enqueueObjective, "objective", "", "run objective text")
	enqueueCmd.Flags().IntVar(&enqueueMaxAttempts, "max-attempts", 0, "override queue.max_attempts for this job")
	enqueueCmd.MarkFlagRequired("tenant") //nolint:errcheck
	rootCmd.AddCommand(enqueueCmd)
}
