package main

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var retryReset bool

var retryCmd = &cobra.Command{
	Use:   "retry [job-id]",
	Short: "Re-queue a failed or cancelled job",
	Long:  "Makes a terminal job claimable again. With --reset-attempts the attempt counter restarts from zero; otherwise the job gets exactly one more attempt.",
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

		if err := st.jobs.Retry(ctx, jobID, retryReset); err != nil {
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
	retryCmd.Flags().BoolVar(&retryReset, "reset-attempts", false, "restart the attempt counter from zero")
	rootCmd.AddCommand(retryCmd)
}
