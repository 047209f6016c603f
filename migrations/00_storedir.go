package migrations

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/nightminer/harvester/config"
	"github.com/nightminer/harvester/mining"
	"github.com/nightminer/harvester/store"
)

// migrateStoreDir moves a project store kept in the data directory by older
// versions into the DB directory.
func migrateStoreDir(ctx context.Context, cfg *config.Config) error {
	oldPath := filepath.Join(cfg.DataDir, cfg.Project)
	if err := store.Relocate(ctx, mining.StateDir(cfg.DbDir, cfg.Project), oldPath); err != nil {
		return fmt.Errorf("relocating store %s: %w", oldPath, err)
	}
	return nil
}
