package challenge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/sha256-simd"
	"go.uber.org/zap"

	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/store"
)

// Snapshot carries the valid challenges of a profile to another instance.
type Snapshot struct {
	Profile    string       `json:"profile"`
	ExportedAt time.Time    `json:"exported_at"`
	Challenges []*Challenge `json:"challenges"`
	// Checksum is the hex SHA-256 of the JSON encoded Challenges.
	// An empty checksum is accepted for hand-written seed files.
	Checksum string `json:"checksum,omitempty"`
}

func checksum(cs []*Challenge) (string, error) {
	data, err := json.Marshal(cs)
	if err != nil {
		return "", fmt.Errorf("encoding challenges: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks the checksum when one is present.
func (s *Snapshot) Verify() error {
	if s.Checksum == "" {
		return nil
	}
	sum, err := checksum(s.Challenges)
	if err != nil {
		return err
	}
	if sum != s.Checksum {
		return fmt.Errorf("%w: have %s, want %s", ErrChecksumMismatch, sum, s.Checksum)
	}
	return nil
}

type ImportResult struct {
	Imported        int `json:"imported"`
	SkippedExisting int `json:"skipped_existing"`
	SkippedExpired  int `json:"skipped_expired"`
	Invalid         int `json:"invalid"`
}

// Export snapshots the currently valid challenges of the profile.
func (l *Ledger) Export(ctx context.Context, profileID string) (*Snapshot, error) {
	valid, err := l.Valid(ctx, profileID)
	if err != nil {
		return nil, err
	}
	sum, err := checksum(valid)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Profile:    profileID,
		ExportedAt: l.now().UTC(),
		Challenges: valid,
		Checksum:   sum,
	}, nil
}

// Import seeds the ledger of profileID from a snapshot taken elsewhere.
// Challenges already known and challenges past their deadline are skipped.
func (l *Ledger) Import(ctx context.Context, snap *Snapshot, profileID string) (*ImportResult, error) {
	return l.load(ctx, snap, profileID, false)
}

// Restore loads a history of profileID, expired challenges included, so that
// past rounds stay visible until the retention sweep removes them. Challenges
// already known are skipped.
func (l *Ledger) Restore(ctx context.Context, snap *Snapshot, profileID string) (*ImportResult, error) {
	return l.load(ctx, snap, profileID, true)
}

func (l *Ledger) load(ctx context.Context, snap *Snapshot, profileID string, keepExpired bool) (*ImportResult, error) {
	if err := snap.Verify(); err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx).With(zap.String("profile", profileID), zap.String("source", snap.Profile))
	now := l.now()
	res := &ImportResult{}

	err := l.kv.Update(ctx, func(tx *store.Tx) error {
		for _, in := range snap.Challenges {
			if in == nil || validateKey(profileID, in.ID) != nil {
				res.Invalid++
				continue
			}
			if _, err := ParseDifficulty(in.Difficulty); err != nil || in.Deadline.IsZero() {
				res.Invalid++
				continue
			}
			if !keepExpired && !in.Valid(now) {
				res.SkippedExpired++
				continue
			}
			c := *in
			c.Profile = profileID
			if c.IssuedAt.IsZero() {
				c.IssuedAt = now
			}
			if c.LastSeenAt.IsZero() {
				c.LastSeenAt = c.IssuedAt
			}
			if c.DeadlineSource == "" {
				c.DeadlineSource = SourceAuthority
			}
			added, err := putIfAbsent(tx, &c)
			if err != nil {
				return err
			}
			if !added {
				res.SkippedExisting++
				continue
			}
			res.Imported++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("importing challenges: %w", err)
	}
	logger.Info("seeded challenges",
		zap.Int("imported", res.Imported),
		zap.Int("skipped_existing", res.SkippedExisting),
		zap.Int("skipped_expired", res.SkippedExpired),
		zap.Int("invalid", res.Invalid),
	)
	return res, nil
}
