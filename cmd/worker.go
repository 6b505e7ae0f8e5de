package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-ingest/internal/ingest"
	"github.com/sells-group/research-ingest/internal/worker"
)

var workerID string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingestion worker loop",
	Long:  "Claims queued jobs, ingests their bundles, and records run events. Runs until interrupted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("worker"); err != nil {
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

		engine := ingest.NewEngine(st.canonical, cfg.Ingest.MaxSnippetChars)
		w := worker.New(workerID, st.jobs, engine, cfg.Worker)
		zap.L().Info("worker starting",
			zap.String("worker_id", w.ID()),
			zap.Int("concurrency", cfg.Worker.Concurrency),
			zap.Duration("poll_interval", cfg.Worker.PollInterval))

		if err := w.Run(ctx); err != nil {
			return err
		}
		zap.L().Info("worker stopped")
		return nil
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "", "worker identifier (generated when omitted)")
	rootCmd.AddCommand(workerCmd)
}
