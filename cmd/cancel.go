package main

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Request cancellation of a job",
	Long:  "Queued jobs are cancelled immediately. Running jobs are flagged; the worker stops them at its next checkpoint.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("control"); err != nil {
			return err
		}
		jobID, err := uuid.Parse(args[0])
		if err != nil {
			return eris.Wrap(err, "parse job id")
		}
		st, err := initStores(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.jobs.Cancel(ctx, jobID); err != nil {
			return err
		}
		job, err := st.jobs.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		out := json.NewEncoder(os.Stdout)
		out.SetIndent("", "  ")
		return out.Encode(job)
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
