// Package migrations brings state written by older harvester versions into
// the current layout. Every migration is idempotent and runs before the
// project store is opened by the coordinator.
package migrations

import (
	"context"
	"fmt"

	"github.com/nightminer/harvester/challenge"
	"github.com/nightminer/harvester/config"
	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/mining"
	"github.com/nightminer/harvester/store"
)

func Migrate(ctx context.Context, cfg *config.Config) error {
	ctx, _ = logging.Named(ctx, "migrations")
	if err := migrateStoreDir(ctx, cfg); err != nil {
		return err
	}

	kv, err := store.Open(mining.StateDir(cfg.DbDir, cfg.Project))
	if err != nil {
		return err
	}
	defer kv.Close()
	if err := migrateChallengeHistory(ctx, cfg, challenge.NewLedger(kv)); err != nil {
		return fmt.Errorf("migrating challenge history: %w", err)
	}
	return nil
}
