package challenge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/store"
)

const keyPrefix = "challenge"

var (
	recordedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "challenge",
		Name:      "recorded_total",
		Help:      "Number of challenge observations recorded",
	}, []string{"kind"})

	difficultyChangesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "challenge",
		Name:      "difficulty_changes_total",
		Help:      "Number of difficulty revisions observed after issuance",
	})

	sweptMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "challenge",
		Name:      "swept_total",
		Help:      "Number of challenges removed by retention sweeps",
	})
)

// Ledger is the durable record of every challenge seen, keyed by (profile, challenge ID).
type Ledger struct {
	kv  *store.KV
	now func() time.Time
}

type newLedgerOptions struct {
	now func() time.Time
}

type newLedgerOptionFunc func(*newLedgerOptions)

func WithClock(now func() time.Time) newLedgerOptionFunc {
	return func(o *newLedgerOptions) {
		o.now = now
	}
}

func NewLedger(kv *store.KV, opts ...newLedgerOptionFunc) *Ledger {
	options := newLedgerOptions{now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}
	return &Ledger{kv: kv, now: options.now}
}

func challengeKey(profileID, challengeID string) []byte {
	return store.Key(keyPrefix, profileID, challengeID)
}

// Record upserts an observation.
//
// The authority's deadline always wins. validityHint is only used to derive a
// deadline when the observation has none, and such a derived deadline is
// overwritten by the next observation that carries one.
func (l *Ledger) Record(ctx context.Context, obs Observation, profileID string, validityHint time.Duration) (*Challenge, error) {
	if err := validateKey(profileID, obs.ID); err != nil {
		return nil, err
	}
	if _, err := ParseDifficulty(obs.Difficulty); err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx).With(zap.String("profile", profileID), zap.String("challenge", obs.ID))
	now := l.now().UTC()

	var result *Challenge
	err := l.kv.Update(ctx, func(tx *store.Tx) error {
		key := challengeKey(profileID, obs.ID)
		var rec record
		err := tx.Get(key, &rec)
		switch {
		case store.IsNotFound(err):
			c := &Challenge{
				ID:             obs.ID,
				Profile:        profileID,
				Difficulty:     obs.Difficulty,
				NoPreMine:      obs.NoPreMine,
				IssuedAt:       now,
				LastSeenAt:     now,
				Deadline:       obs.Deadline.UTC(),
				DeadlineSource: SourceAuthority,
			}
			if obs.Deadline.IsZero() {
				if validityHint <= 0 {
					return fmt.Errorf("%w: %s", ErrNoDeadline, obs.ID)
				}
				c.Deadline = now.Add(validityHint)
				c.DeadlineSource = SourceDerived
			}
			c.Day, c.Number, _ = ParseID(c.ID)
			result = c
			recordedMetric.WithLabelValues("new").Inc()
			logger.Info("recorded new challenge",
				zap.String("difficulty", c.Difficulty),
				zap.Time("deadline", c.Deadline),
				zap.String("deadline_source", string(c.DeadlineSource)),
			)
		case err != nil:
			return err
		default:
			c := rec.challenge()
			c.LastSeenAt = now
			if !obs.Deadline.IsZero() {
				if !c.Deadline.Equal(obs.Deadline) || c.DeadlineSource != SourceAuthority {
					logger.Debug("deadline updated", zap.Time("old", c.Deadline), zap.Time("new", obs.Deadline))
				}
				c.Deadline = obs.Deadline.UTC()
				c.DeadlineSource = SourceAuthority
			}
			if obs.NoPreMine != "" {
				c.NoPreMine = obs.NoPreMine
			}
			if cmp, err := CompareDifficulty(c.Difficulty, obs.Difficulty); err != nil || cmp != 0 {
				c.Changes = append(c.Changes, DifficultyChange{At: now, Old: c.Difficulty, New: obs.Difficulty})
				logger.Info("difficulty changed", zap.String("old", c.Difficulty), zap.String("new", obs.Difficulty))
				c.Difficulty = obs.Difficulty
				difficultyChangesMetric.Inc()
			}
			result = c
			recordedMetric.WithLabelValues("update").Inc()
		}
		return tx.Put(key, toRecord(result))
	})
	if err != nil {
		return nil, fmt.Errorf("recording challenge %s: %w", obs.ID, err)
	}
	return result, nil
}

func (l *Ledger) Get(ctx context.Context, profileID, challengeID string) (*Challenge, error) {
	var rec record
	err := l.kv.Get(challengeKey(profileID, challengeID), &rec)
	switch {
	case store.IsNotFound(err):
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, profileID, challengeID)
	case err != nil:
		return nil, err
	}
	return rec.challenge(), nil
}

// All returns every challenge of the profile, expired ones included.
func (l *Ledger) All(ctx context.Context, profileID string) ([]*Challenge, error) {
	var out []*Challenge
	err := l.kv.View(store.Prefix(keyPrefix, profileID), func(_, value []byte) error {
		var rec record
		if err := store.Decode(value, &rec); err != nil {
			logging.FromContext(ctx).Warn("skipping undecodable challenge record", zap.Error(err))
			return nil
		}
		out = append(out, rec.challenge())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing challenges of %s: %w", profileID, err)
	}
	return out, nil
}

// Valid returns the challenges still accepting submissions, newest issued first.
func (l *Ledger) Valid(ctx context.Context, profileID string) ([]*Challenge, error) {
	all, err := l.All(ctx, profileID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	valid := all[:0]
	for _, c := range all {
		if c.Valid(now) {
			valid = append(valid, c)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool {
		if !valid[i].IssuedAt.Equal(valid[j].IssuedAt) {
			return valid[i].IssuedAt.After(valid[j].IssuedAt)
		}
		return valid[i].ID > valid[j].ID
	})
	return valid, nil
}

// RetentionSweep removes challenges of every profile issued more than
// maxAgeDays ago, regardless of their deadline.
func (l *Ledger) RetentionSweep(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		return 0, fmt.Errorf("%w: %d days", ErrInvalidRetention, maxAgeDays)
	}
	horizon := l.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	var removed int
	err := l.kv.Update(ctx, func(tx *store.Tx) error {
		var stale [][]byte
		err := tx.Iterate(store.Prefix(keyPrefix), func(key, value []byte) error {
			var rec record
			if err := store.Decode(value, &rec); err != nil {
				return nil
			}
			if time.Unix(0, rec.IssuedAt).Before(horizon) {
				stale = append(stale, append([]byte(nil), key...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := tx.Delete(key); err != nil {
				return fmt.Errorf("deleting %s: %w", key, err)
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	sweptMetric.Add(float64(removed))
	logging.FromContext(ctx).Info("retention sweep done", zap.Int("removed", removed), zap.Time("horizon", horizon))
	return removed, nil
}

// CorrectDeadlines replaces stored deadlines that drifted from the
// authoritative ones and returns the number of corrected entries.
func (l *Ledger) CorrectDeadlines(ctx context.Context, profileID string, authoritative map[string]time.Time) (int, error) {
	var corrected int
	err := l.kv.Update(ctx, func(tx *store.Tx) error {
		for id, deadline := range authoritative {
			key := challengeKey(profileID, id)
			var rec record
			err := tx.Get(key, &rec)
			switch {
			case store.IsNotFound(err):
				continue
			case err != nil:
				return err
			}
			c := rec.challenge()
			if c.DeadlineSource == SourceAuthority && c.Deadline.Equal(deadline) {
				continue
			}
			logging.FromContext(ctx).Info("correcting deadline",
				zap.String("challenge", id),
				zap.Time("stored", c.Deadline),
				zap.Time("authoritative", deadline),
			)
			c.Deadline = deadline.UTC()
			c.DeadlineSource = SourceAuthority
			if err := tx.Put(key, toRecord(c)); err != nil {
				return err
			}
			corrected++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("correcting deadlines: %w", err)
	}
	return corrected, nil
}

// putIfAbsent stores c unless a challenge with the same key exists.
func putIfAbsent(tx *store.Tx, c *Challenge) (bool, error) {
	key := challengeKey(c.Profile, c.ID)
	var rec record
	err := tx.Get(key, &rec)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, store.ErrNotFound):
		return false, err
	}
	return true, tx.Put(key, toRecord(c))
}
