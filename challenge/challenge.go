// Package challenge keeps the history of every challenge issued by the
// authority and selects which one is most worth mining.
package challenge

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("challenge not found")
	ErrInvalidChallenge  = errors.New("invalid challenge")
	ErrInvalidDifficulty = errors.New("invalid difficulty")
	ErrNoDeadline        = errors.New("challenge has no deadline and no validity hint")
	ErrInvalidRetention  = errors.New("retention horizon must be positive")
	ErrChecksumMismatch  = errors.New("snapshot checksum mismatch")
)

type DeadlineSource string

const (
	// SourceAuthority marks a deadline copied verbatim from the authority.
	SourceAuthority DeadlineSource = "authority"
	// SourceDerived marks a deadline computed as first-seen + validity window.
	// Derived deadlines are replaced as soon as the authority supplies one.
	SourceDerived DeadlineSource = "derived"
)

// Observation is a single poll result from the authority.
type Observation struct {
	ID         string    `json:"challenge_id"`
	Difficulty string    `json:"difficulty"`
	NoPreMine  string    `json:"no_pre_mine"`
	Deadline   time.Time `json:"latest_submission"`
}

type DifficultyChange struct {
	At  time.Time `json:"at"`
	Old string    `json:"old"`
	New string    `json:"new"`
}

type Challenge struct {
	ID      string `json:"challenge_id"`
	Profile string `json:"profile"`
	// Day and Number are the ordinals encoded in ID, zero when ID has another format.
	Day    int `json:"day"`
	Number int `json:"challenge_number"`

	Difficulty     string             `json:"difficulty"`
	NoPreMine      string             `json:"no_pre_mine"`
	IssuedAt       time.Time          `json:"issued_at"`
	LastSeenAt     time.Time          `json:"last_seen_at"`
	Deadline       time.Time          `json:"latest_submission"`
	DeadlineSource DeadlineSource     `json:"deadline_source"`
	Changes        []DifficultyChange `json:"difficulty_changes,omitempty"`
}

// Valid reports whether submissions are still accepted at now.
func (c *Challenge) Valid(now time.Time) bool {
	return c.Deadline.After(now)
}

// Remaining is the time left until the deadline, negative once expired.
func (c *Challenge) Remaining(now time.Time) time.Duration {
	return c.Deadline.Sub(now)
}

var idPattern = regexp.MustCompile(`^\*\*D(\d+)C(\d+)$`)

// ParseID extracts the day and sub-challenge ordinals from IDs like "**D05C12".
func ParseID(id string) (day, number int, ok bool) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, 0, false
	}
	day, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	number, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return day, number, true
}

// ParseDifficulty interprets a hex target. Larger values are easier.
func ParseDifficulty(s string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDifficulty)
	}
	v, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDifficulty, s)
	}
	return v, nil
}

// CompareDifficulty returns +1 when a is easier than b, -1 when harder and 0 when equal.
func CompareDifficulty(a, b string) (int, error) {
	va, err := ParseDifficulty(a)
	if err != nil {
		return 0, err
	}
	vb, err := ParseDifficulty(b)
	if err != nil {
		return 0, err
	}
	return va.Cmp(vb), nil
}

func validateKey(profileID, challengeID string) error {
	switch {
	case profileID == "":
		return fmt.Errorf("%w: empty profile", ErrInvalidChallenge)
	case challengeID == "":
		return fmt.Errorf("%w: empty ID", ErrInvalidChallenge)
	case strings.Contains(profileID, "/") || strings.Contains(challengeID, "/"):
		return fmt.Errorf("%w: '/' in key %s/%s", ErrInvalidChallenge, profileID, challengeID)
	}
	return nil
}

// record is the persisted form of a Challenge.
type record struct {
	ID         string
	Profile    string
	Difficulty string
	NoPreMine  string
	IssuedAt   int64
	LastSeenAt int64
	Deadline   int64
	Derived    bool
	Changes    []changeRecord
}

type changeRecord struct {
	At  int64
	Old string
	New string
}

func toRecord(c *Challenge) *record {
	r := &record{
		ID:         c.ID,
		Profile:    c.Profile,
		Difficulty: c.Difficulty,
		NoPreMine:  c.NoPreMine,
		IssuedAt:   c.IssuedAt.UnixNano(),
		LastSeenAt: c.LastSeenAt.UnixNano(),
		Deadline:   c.Deadline.UnixNano(),
		Derived:    c.DeadlineSource == SourceDerived,
		Changes:    make([]changeRecord, 0, len(c.Changes)),
	}
	for _, ch := range c.Changes {
		r.Changes = append(r.Changes, changeRecord{At: ch.At.UnixNano(), Old: ch.Old, New: ch.New})
	}
	return r
}

func (r *record) challenge() *Challenge {
	c := &Challenge{
		ID:             r.ID,
		Profile:        r.Profile,
		Difficulty:     r.Difficulty,
		NoPreMine:      r.NoPreMine,
		IssuedAt:       time.Unix(0, r.IssuedAt).UTC(),
		LastSeenAt:     time.Unix(0, r.LastSeenAt).UTC(),
		Deadline:       time.Unix(0, r.Deadline).UTC(),
		DeadlineSource: SourceAuthority,
	}
	if r.Derived {
		c.DeadlineSource = SourceDerived
	}
	c.Day, c.Number, _ = ParseID(r.ID)
	for _, ch := range r.Changes {
		c.Changes = append(c.Changes, DifficultyChange{At: time.Unix(0, ch.At).UTC(), Old: ch.Old, New: ch.New})
	}
	return c
}
