package main

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/research-ingest/internal/jobstore"
	"github.com/sells-group/research-ingest/internal/model"
)

var (
	statusTenant string
	statusRun    string
	statusState  string
	statusFull   bool
	statusEvents int
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show job status, or list jobs matching filters",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("control"); err != nil {
			return err
		}
		st, err := initStores(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		out := json.NewEncoder(os.Stdout)
		out.SetIndent("", "  ")

		if len(args) == 1 {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return eris.Wrap(err, "parse job id")
			}
			job, err := st.jobs.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			if statusFull {
				return out.Encode(job)
			}
			return out.Encode(job.StatusInfo())
		}

		filter := jobstore.JobFilter{}
		if statusTenant != "" {
			if filter.TenantID, err = uuid.Parse(statusTenant); err != nil {
				return eris.Wrap(err, "parse --tenant")
			}
		}
		if statusRun != "" {
			if filter.RunID, err = uuid.Parse(statusRun); err != nil {
				return eris.Wrap(err, "parse --run")
			}
		}
		if statusState != "" {
			filter.Status = model.JobStatus(statusState)
		}
		jobs, err := st.jobs.ListJobs(ctx, filter)
		if err != nil {
			return err
		}
		return out.Encode(jobs)
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "run [run-id]",
	Short: "Show a run and its recent events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("control"); err != nil {
			return err
		}
		runID, err := uuid.Parse(args[0])
		if err != nil {
			return eris.Wrap(err, "parse run id")
		}
		st, err := initStores(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		run, err := st.jobs.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		events, err := st.jobs.ListEvents(ctx, runID, statusEvents)
		if err != nil {
			return err
		}
		out := json.NewEncoder(os.Stdout)
		out.SetIndent("", "  ")
		return out.Encode(map[string]any{
			"run":    run,
			"events": events,
		})
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusTenant, "tenant", "", "filter by tenant UUID")
	statusCmd.Flags().StringVar(&statusRun, "run", "", "filter by run UUID")
	statusCmd.Flags().StringVar(&statusState, "state", "", "filter by job status")
	statusCmd.Flags().BoolVar(&statusFull, "full", false, "print the full job row instead of the status summary")
	runStatusCmd.Flags().IntVar(&statusEvents, "events", 50, "number of events to show")
	statusCmd.AddCommand(runStatusCmd)
	rootCmd.AddCommand(statusCmd)
}
