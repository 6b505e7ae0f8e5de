package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-ingest/internal/ingest"
	"github.com/sells-group/research-ingest/internal/jobstore"
)

// stores bundles the job queue and the canonical-table store. Both share one
// database connection; closing the job store closes everything.
type stores struct {
	jobs      jobstore.Store
	canonical ingest.Store
}

func (s *stores) Close() {
	s.jobs.Close() //nolint:errcheck
}

func (s *stores) Migrate(ctx context.Context) error {
	if err := s.jobs.Migrate(ctx); err != nil {
		return err
	}
	return s.canonical.Migrate(ctx)
}

func initStores(ctx context.Context) (*stores, error) {
	queueCfg := jobstore.QueueConfig{
		DefaultMaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase:        cfg.Queue.BackoffBase,
		BackoffCap:         cfg.Queue.BackoffCap,
	}

	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "research-ingest.db"
		}
		jobs, err := jobstore.NewSQLite(dsn, queueCfg)
		if err != nil {
			return nil, err
		}
		return &stores{jobs: jobs, canonical: ingest.NewSQLite(jobs.DB())}, nil
	case "postgres":
		jobs, err := jobstore.NewPostgres(ctx, cfg.Store.DatabaseURL, nil, queueCfg)
		if err != nil {
			return nil, err
		}
		return &stores{jobs: jobs, canonical: ingest.NewPostgres(jobs.Pool())}, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
