package migrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nightminer/harvester/challenge"
	"github.com/nightminer/harvester/config"
	"github.com/nightminer/harvester/logging"
)

const (
	legacyChallengesFile = "challenges.json"
	migratedSuffix       = ".migrated"
)

// legacyChallenge is an entry of the JSON challenge history kept by older
// versions. ExpiresAt was derived from the first sighting; LatestSubmission
// was copied from the authority when it reported one.
type legacyChallenge struct {
	ID               string     `json:"challenge_id"`
	Difficulty       string     `json:"difficulty"`
	NoPreMine        string     `json:"no_pre_mine"`
	FirstSeen        time.Time  `json:"first_seen"`
	ExpiresAt        time.Time  `json:"expires_at"`
	LatestSubmission *time.Time `json:"latest_submission,omitempty"`
}

type legacyHistory struct {
	Challenges map[string]legacyChallenge `json:"challenges"`
}

func legacyChallengesPath(cfg *config.Config) string {
	if cfg.LegacyChallenges != "" {
		return cfg.LegacyChallenges
	}
	return filepath.Join(cfg.DataDir, legacyChallengesFile)
}

// migrateChallengeHistory imports the legacy history into the ledger, expired
// entries included, keeping the authority deadline wherever the history has
// one, and renames the file so it is imported only once.
func migrateChallengeHistory(ctx context.Context, cfg *config.Config, ledger *challenge.Ledger) error {
	path := legacyChallengesPath(cfg)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	}
	logger := logging.FromContext(ctx).With(zap.String("file", path))

	var history legacyHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}

	snap := &challenge.Snapshot{Profile: cfg.Project}
	authoritative := make(map[string]time.Time)
	for id, lc := range history.Challenges {
		if lc.ID == "" {
			lc.ID = id
		}
		c := &challenge.Challenge{
			ID:             lc.ID,
			Difficulty:     lc.Difficulty,
			NoPreMine:      lc.NoPreMine,
			IssuedAt:       lc.FirstSeen.UTC(),
			LastSeenAt:     lc.FirstSeen.UTC(),
			Deadline:       lc.ExpiresAt.UTC(),
			DeadlineSource: challenge.SourceDerived,
		}
		if lc.LatestSubmission != nil && !lc.LatestSubmission.IsZero() {
			c.Deadline = lc.LatestSubmission.UTC()
			c.DeadlineSource = challenge.SourceAuthority
			authoritative[c.ID] = c.Deadline
		}
		c.Day, c.Number, _ = challenge.ParseID(c.ID)
		snap.Challenges = append(snap.Challenges, c)
	}

	res, err := ledger.Restore(ctx, snap, cfg.Project)
	if err != nil {
		return err
	}
	// Entries recorded before the history was migrated may carry a derived deadline.
	corrected, err := ledger.CorrectDeadlines(ctx, cfg.Project, authoritative)
	if err != nil {
		return err
	}

	if err := os.Rename(path, path+migratedSuffix); err != nil {
		return fmt.Errorf("renaming migrated history: %w", err)
	}
	logger.Info("challenge history migrated",
		zap.Int("entries", len(history.Challenges)),
		zap.Int("imported", res.Imported),
		zap.Int("skipped_existing", res.SkippedExisting),
		zap.Int("invalid", res.Invalid),
		zap.Int("deadlines_corrected", corrected),
	)
	return nil
}
