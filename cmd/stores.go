package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/example/bws-scheduler/internal/config"
	"github.com/example/bws-scheduler/internal/db"
	"github.com/example/bws-scheduler/internal/pool"
	"github.com/example/bws-scheduler/internal/store"
)

// openStores picks the persistence backend: Postgres when DATABASE_URL is
// set (snapshots plus an attempt log), otherwise the JSON snapshot file
// with no attempt history.
func openStores(ctx context.Context, cfg config.Config, log *logrus.Entry) (pool.SnapshotStore, pool.AttemptLog, func(), error) {
	if cfg.DatabaseURL == "" {
		return store.NewFile(cfg.SnapshotPath), nil, func() {}, nil
	}

	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, nil, nil, fmt.Errorf("db ping: %w", err)
	}

	pg := store.NewPostgres(d)
	if err := pg.Migrate(ctx); err != nil {
		d.Close()
		return nil, nil, nil, err
	}
	log.Debug("using postgres-backed stores")
	return pg, pg, d.Close, nil
}
