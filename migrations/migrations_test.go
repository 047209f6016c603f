package migrations

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nightminer/harvester/challenge"
	"github.com/nightminer/harvester/config"
	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/mining"
	"github.com/nightminer/harvester/store"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DataDir: t.TempDir(),
		DbDir:   t.TempDir(),
		Project: "scavenger",
	}
}

func writeHistory(t *testing.T, path string, history legacyHistory) {
	t.Helper()
	data, err := json.Marshal(history)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func withLedger(t *testing.T, cfg *config.Config, fn func(*challenge.Ledger)) {
	t.Helper()
	kv, err := store.Open(mining.StateDir(cfg.DbDir, cfg.Project))
	require.NoError(t, err)
	defer kv.Close()
	fn(challenge.NewLedger(kv))
}

func TestMigrateChallengeHistory(t *testing.T) {
	// Prepare
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	cfg := testConfig(t)
	now := time.Now().UTC().Truncate(time.Second)
	authority := now.Add(3 * time.Hour)

	// Polled before the migration without a deadline.
	withLedger(t, cfg, func(l *challenge.Ledger) {
		_, err := l.Record(ctx, challenge.Observation{ID: "**D02C01", Difficulty: "00FF"}, cfg.Project, time.Hour)
		require.NoError(t, err)
	})

	path := filepath.Join(cfg.DataDir, legacyChallengesFile)
	writeHistory(t, path, legacyHistory{Challenges: map[string]legacyChallenge{
		"**D01C01": {
			Difficulty:       "000F",
			FirstSeen:        now.Add(-time.Hour),
			ExpiresAt:        now.Add(23 * time.Hour),
			LatestSubmission: &authority,
		},
		"**D01C02": {
			Difficulty: "00FF",
			FirstSeen:  now.Add(-time.Hour),
			ExpiresAt:  now.Add(time.Hour),
		},
		"**D00C09": {
			Difficulty: "0FFF",
			FirstSeen:  now.Add(-48 * time.Hour),
			ExpiresAt:  now.Add(-24 * time.Hour),
		},
		"**D02C01": {
			Difficulty:       "00FF",
			FirstSeen:        now.Add(-time.Minute),
			ExpiresAt:        now.Add(time.Hour),
			LatestSubmission: &authority,
		},
	}})

	// Act
	require.NoError(t, Migrate(ctx, cfg))

	// Verify
	require.NoFileExists(t, path)
	require.FileExists(t, path+migratedSuffix)
	withLedger(t, cfg, func(l *challenge.Ledger) {
		all, err := l.All(ctx, cfg.Project)
		require.NoError(t, err)
		require.Len(t, all, 4)

		expired, err := l.Get(ctx, cfg.Project, "**D00C09")
		require.NoError(t, err)
		require.False(t, expired.Valid(now))
		require.Equal(t, "0FFF", expired.Difficulty)

		valid, err := l.Valid(ctx, cfg.Project)
		require.NoError(t, err)
		require.Len(t, valid, 3)

		c, err := l.Get(ctx, cfg.Project, "**D01C01")
		require.NoError(t, err)
		require.True(t, authority.Equal(c.Deadline))
		require.Equal(t, challenge.SourceAuthority, c.DeadlineSource)
		require.Equal(t, 1, c.Day)

		c, err = l.Get(ctx, cfg.Project, "**D01C02")
		require.NoError(t, err)
		require.Equal(t, challenge.SourceDerived, c.DeadlineSource)

		c, err = l.Get(ctx, cfg.Project, "**D02C01")
		require.NoError(t, err)
		require.True(t, authority.Equal(c.Deadline))
		require.Equal(t, challenge.SourceAuthority, c.DeadlineSource)
	})

	// A second run finds nothing to do.
	require.NoError(t, Migrate(ctx, cfg))
}

func TestMigrateStoreDir(t *testing.T) {
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	cfg := testConfig(t)

	kv, err := store.Open(filepath.Join(cfg.DataDir, cfg.Project))
	require.NoError(t, err)
	l := challenge.NewLedger(kv)
	_, err = l.Record(ctx, challenge.Observation{
		ID:         "**D03C04",
		Difficulty: "00FF",
		Deadline:   time.Now().Add(time.Hour),
	}, cfg.Project, 0)
	require.NoError(t, err)
	require.NoError(t, kv.Close())

	require.NoError(t, Migrate(ctx, cfg))

	require.NoDirExists(t, filepath.Join(cfg.DataDir, cfg.Project))
	withLedger(t, cfg, func(l *challenge.Ledger) {
		_, err := l.Get(ctx, cfg.Project, "**D03C04")
		require.NoError(t, err)
	})
}

func TestMigrate_NothingToMigrate(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, Migrate(context.Background(), cfg))
}
