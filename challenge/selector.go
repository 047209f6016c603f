package challenge

import (
	"context"
	"math/big"
	"sort"
	"time"
)

// Policy controls challenge selection.
type Policy struct {
	// MinRemaining is the minimum time left before the deadline.
	MinRemaining time.Duration
	// PreferEasier ranks by difficulty before deadline. Without it only the
	// deadline matters.
	PreferEasier bool
}

// SelectBest returns the easiest valid challenge with more than minRemaining
// left, preferring the one closest to its deadline among equally easy ones.
// It returns nil without error when no challenge qualifies.
func (l *Ledger) SelectBest(ctx context.Context, profileID string, minRemaining time.Duration) (*Challenge, error) {
	return l.Select(ctx, profileID, Policy{MinRemaining: minRemaining, PreferEasier: true})
}

func (l *Ledger) Select(ctx context.Context, profileID string, policy Policy) (*Challenge, error) {
	candidates, err := l.Candidates(ctx, profileID, policy)
	if err != nil || len(candidates) == 0 {
		return nil, err
	}
	return candidates[0], nil
}

// Candidates returns every challenge clearing the policy, best first.
func (l *Ledger) Candidates(ctx context.Context, profileID string, policy Policy) ([]*Challenge, error) {
	valid, err := l.Valid(ctx, profileID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	out := valid[:0]
	for _, c := range valid {
		if c.Remaining(now) > policy.MinRemaining {
			out = append(out, c)
		}
	}
	if policy.PreferEasier {
		Rank(out)
	} else {
		sort.SliceStable(out, func(i, j int) bool { return byDeadline(out[i], out[j]) })
	}
	return out, nil
}

// SameCohort returns the valid challenges sharing the no-pre-mine key, which
// can be mined back to back without re-initialization, best first.
func (l *Ledger) SameCohort(ctx context.Context, noPreMineKey, profileID string) ([]*Challenge, error) {
	valid, err := l.Valid(ctx, profileID)
	if err != nil {
		return nil, err
	}
	out := valid[:0]
	for _, c := range valid {
		if c.NoPreMine == noPreMineKey {
			out = append(out, c)
		}
	}
	Rank(out)
	return out, nil
}

// Rank sorts by difficulty descending (larger hex is easier), then deadline
// ascending, then ID.
func Rank(cs []*Challenge) {
	values := make(map[*Challenge]*big.Int, len(cs))
	for _, c := range cs {
		v, err := ParseDifficulty(c.Difficulty)
		if err != nil {
			v = new(big.Int)
		}
		values[c] = v
	}
	sort.SliceStable(cs, func(i, j int) bool {
		if cmp := values[cs[i]].Cmp(values[cs[j]]); cmp != 0 {
			return cmp > 0
		}
		return byDeadline(cs[i], cs[j])
	})
}

func byDeadline(a, b *Challenge) bool {
	if !a.Deadline.Equal(b.Deadline) {
		return a.Deadline.Before(b.Deadline)
	}
	return a.ID < b.ID
}
