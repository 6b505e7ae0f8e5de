package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"go.uber.org/zap"
)

var (
	reclaimWorker string
	reclaimCutoff time.Duration
)

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Release jobs held by dead workers",
	Long:  "Re-queues running jobs whose lease is older than the cutoff. Jobs out of attempts are marked permanently failed instead.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("control"); err != nil {
			return err
		}
		st, err := initStores(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		cutoff := reclaimCutoff
		if cutoff <= 0 {
			cutoff = cfg.Worker.StaleAfter
		}
		n, err := st.jobs.ReclaimStale(ctx, reclaimWorker, cutoff)
		if err != nil {
			return err
		}
		zap.L().Info("reclaimed stale jobs", zap.Int("count", n), zap.Duration("cutoff", cutoff))
		out := json.NewEncoder(os.Stdout)
		out.SetIndent("", "  ")
		return out.Encode(map[string]any{"reclaimed": n})
	},
}

func init() {
	reclaimCmd.Flags().StringVar(&reclaimWorker, "worker", "", "only reclaim jobs held by this worker id")
	reclaimCmd.Flags().DurationVar(&reclaimCutoff, "cutoff", 0, "lease age before a job counts as stale (default worker.stale_after)")
	rootCmd.AddCommand(reclaimCmd)
}
