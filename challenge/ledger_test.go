package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/store"
)

const profile = "scavenger"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(t *testing.T) (*Ledger, *testClock) {
	t.Helper()
	kv, err := store.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, kv.Close()) })
	clock := newTestClock()
	return NewLedger(kv, WithClock(clock.Now)), clock
}

func testContext(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

func observe(id, difficulty string, deadline time.Time) Observation {
	return Observation{ID: id, Difficulty: difficulty, NoPreMine: "npm-1", Deadline: deadline}
}

func TestParseID(t *testing.T) {
	t.Parallel()
	day, number, ok := ParseID("**D05C12")
	require.True(t, ok)
	require.Equal(t, 5, day)
	require.Equal(t, 12, number)

	_, _, ok = ParseID("challenge-1")
	require.False(t, ok)
}

func TestCompareDifficulty(t *testing.T) {
	t.Parallel()
	cmp, err := CompareDifficulty("FF", "AA")
	require.NoError(t, err)
	require.Equal(t, 1, cmp)

	cmp, err = CompareDifficulty("000FFFFF", "0x0fffff")
	require.NoError(t, err)
	require.Zero(t, cmp)

	_, err = CompareDifficulty("xyz", "AA")
	require.ErrorIs(t, err, ErrInvalidDifficulty)
}

func TestLedger_RecordNew(t *testing.T) {
	t.Parallel()
	ledger, clock := newTestLedger(t)
	ctx := testContext(t)
	deadline := clock.Now().Add(24 * time.Hour)

	c, err := ledger.Record(ctx, observe("**D01C01", "0FFF", deadline), profile, 0)
	require.NoError(t, err)
	require.Equal(t, clock.Now(), c.IssuedAt)
	require.Equal(t, clock.Now(), c.LastSeenAt)
	require.True(t, deadline.Equal(c.Deadline))
	require.Equal(t, SourceAuthority, c.DeadlineSource)
	require.Equal(t, 1, c.Day)
	require.Equal(t, 1, c.Number)

	stored, err := ledger.Get(ctx, profile, "**D01C01")
	require.NoError(t, err)
	require.Equal(t, c, stored)
}

func TestLedger_RecordRejectsInvalid(t *testing.T) {
	t.Parallel()
	ledger, clock := newTestLedger(t)
	ctx := testContext(t)
	deadline := clock.Now().Add(time.Hour)

	_, err := ledger.Record(ctx, observe("", "0FFF", deadline), profile, 0)
	require.ErrorIs(t, err, ErrInvalidChallenge)
	_, err = ledger.Record(ctx, observe("**D01C01", "not-hex", deadline), profile, 0)
	require.ErrorIs(t, err, ErrInvalidDifficulty)
	_, err = ledger.Record(ctx, observe("**D01C01", "0FFF", time.Time{}), profile, 0)
	require.ErrorIs(t, err, ErrNoDeadline)
	_, err = ledger.Record(ctx, observe("**D01C01", "0FFF", deadline), "a/b", 0)
	require.ErrorIs(t, err, ErrInvalidChallenge)
}

func TestLedger_AuthorityDeadlineWins(t *testing.T) {
	t.Parallel()
	ledger, clock := newTestLedger(t)
	ctx := testContext(t)

	// First seen without an authority deadline: derived from the hint.
	c, err := ledger.Record(ctx, observe("**D01C01", "0FFF", time.Time{}), profile, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, SourceDerived, c.DeadlineSource)
	require.Equal(t, clock.Now().Add(24*time.Hour), c.Deadline)

	// The authority's deadline replaces the derived one, even though a hint is given.
	clock.Advance(time.Minute)
	authoritative := clock.Now().Add(3 * time.Hour)
	c, err = ledger.Record(ctx, observe("**D01C01", "0FFF", authoritative), profile, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, SourceAuthority, c.DeadlineSource)
	require.True(t, authoritative.Equal(c.Deadline))

	// An observation without a deadline keeps the authoritative one.
	clock.Advance(time.Minute)
	c, err = ledger.Record(ctx, observe("**D01C01", "0FFF", time.Time{}), profile, 24*time.Hour)
	require.NoError(t, err)
	require.True(t, authoritative.Equal(c.Deadline))
	require.Equal(t, clock.Now(), c.LastSeenAt)
	require.Equal(t, clock.Now().Add(-2*time.Minute), c.IssuedAt)
}

func TestLedger_DifficultyChangeLog(t *testing.T) {
	t.Parallel()
	ledger, clock := newTestLedger(t)
	ctx := testContext(t)
	deadline := clock.Now().Add(24 * time.Hour)

	difficulties := []string{"00FF", "00FF", "01FF", "03FF", "03ff", "07FF"}
	var c *Challenge
	var err error
	for _, d := range difficulties {
		clock.Advance(time.Minute)
		c, err = ledger.Record(ctx, observe("**D02C03", d, deadline), profile, 0)
		require.NoError(t, err)
	}

	// 4 distinct numeric values -> 3 changes.
	require.Len(t, c.Changes, 3)
	require.Equal(t, "07FF", c.Difficulty)
	require.Equal(t, "00FF", c.Changes[0].Old)
	require.Equal(t, "01FF", c.Changes[0].New)
	require.Equal(t, "03FF", c.Changes[2].Old)
	require.Equal(t, "07FF", c.Changes[2].New)

	stored, err := ledger.Get(ctx, profile, "**D02C03")
	require.NoError(t, err)
	require.Equal(t, c.Changes, stored.Changes)
}

func TestLedger_ValidOrdering(t *testing.T) {
	t.Parallel()
	ledger, clock := newTestLedger(t)
	ctx := testContext(t)

	for i := 1; i <= 3; i++ {
		_, err := ledger.Record(ctx, observe(fmt.Sprintf("**D01C%02d", i), "0FFF", clock.Now().Add(time.Hour)), profile, 0)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	_, err := ledger.Record(ctx, observe("**D01C04", "0FFF", clock.Now().Add(time.Second)), profile, 0)
	require.NoError(t, err)
	_, err = ledger.Record(ctx, observe("**D01C01", "0FFF", clock.Now().Add(time.Hour)), "other", 0)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	valid, err := ledger.Valid(ctx, profile)
	require.NoError(t, err)
	var ids []string
	for _, c := range valid {
		ids = append(ids, c.ID)
	}
	require.Equal(t, []string{"**D01C03", "**D01C02", "**D01C01"}, ids)
}

func TestLedger_RetentionSweep(t *testing.T) {
	t.Parallel()
	ledger, clock := newTestLedger(t)
	ctx := testContext(t)

	_, err := ledger.Record(ctx, observe("**D01C01", "0FFF", clock.Now().Add(time.Hour)), profile, 0)
	require.NoError(t, err)
	_, err = ledger.Record(ctx, observe("**D01C02", "0FFF", clock.Now().Add(30*24*time.Hour)), "other", 0)
	require.NoError(t, err)
	clock.Advance(5 * 24 * time.Hour)
	_, err = ledger.Record(ctx, observe("**D06C01", "0FFF", clock.Now().Add(-time.Minute)), profile, 0)
	require.NoError(t, err)

	_, err = ledger.RetentionSweep(ctx, 0)
	require.ErrorIs(t, err, ErrInvalidRetention)

	// Expired but recent entries are kept; old entries go regardless of deadline.
	removed, err := ledger.RetentionSweep(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	all, err := ledger.All(ctx, profile)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "**D06C01", all[0].ID)

	other, err := ledger.All(ctx, "other")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestLedger_CorrectDeadlines(t *testing.T) {
	t.Parallel()
	ledger, clock := newTestLedger(t)
	ctx := testContext(t)

	_, err := ledger.Record(ctx, observe("**D01C01", "0FFF", time.Time{}), profile, 24*time.Hour)
	require.NoError(t, err)
	authoritative := clock.Now().Add(2 * time.Hour)
	_, err = ledger.Record(ctx, observe("**D01C02", "0FFF", authoritative), profile, 0)
	require.NoError(t, err)

	corrected, err := ledger.CorrectDeadlines(ctx, profile, map[string]time.Time{
		"**D01C01": authoritative,
		"**D01C02": authoritative,
		"**D09C09": authoritative,
	})
	require.NoError(t, err)
	require.Equal(t, 1, corrected)

	c, err := ledger.Get(ctx, profile, "**D01C01")
	require.NoError(t, err)
	require.True(t, authoritative.Equal(c.Deadline))
	require.Equal(t, SourceAuthority, c.DeadlineSource)
}

func TestLedger_ExportImport(t *testing.T) {
	t.Parallel()
	source, clock := newTestLedger(t)
	ctx := testContext(t)

	_, err := source.Record(ctx, observe("**D01C01", "0FFF", clock.Now().Add(time.Hour)), profile, 0)
	require.NoError(t, err)
	_, err = source.Record(ctx, observe("**D01C02", "0FFF", clock.Now().Add(2*time.Hour)), profile, 0)
	require.NoError(t, err)
	_, err = source.Record(ctx, observe("**D01C00", "0FFF", clock.Now().Add(-time.Hour)), profile, 0)
	require.NoError(t, err)

	snap, err := source.Export(ctx, profile)
	require.NoError(t, err)
	require.Len(t, snap.Challenges, 2)

	// Round trip through JSON like a seed file would.
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NoError(t, decoded.Verify())

	target, targetClock := newTestLedger(t)
	_, err = target.Record(ctx, observe("**D01C02", "00FF", targetClock.Now().Add(time.Hour)), "mine", 0)
	require.NoError(t, err)

	// One more imported entry that expired in transit.
	expired := *decoded.Challenges[0]
	expired.ID = "**D00C99"
	expired.Deadline = targetClock.Now().Add(-time.Second)
	decoded.Challenges = append(decoded.Challenges, &expired)
	decoded.Checksum = ""

	res, err := target.Import(ctx, &decoded, "mine")
	require.NoError(t, err)
	require.Equal(t, &ImportResult{Imported: 1, SkippedExisting: 1, SkippedExpired: 1}, res)

	kept, err := target.Get(ctx, "mine", "**D01C02")
	require.NoError(t, err)
	require.Equal(t, "00FF", kept.Difficulty, "existing entry must not be overwritten")

	imported, err := target.Get(ctx, "mine", "**D01C01")
	require.NoError(t, err)
	require.Equal(t, "mine", imported.Profile)
}

func TestLedger_RestoreKeepsExpired(t *testing.T) {
	t.Parallel()
	ledger, clock := newTestLedger(t)
	ctx := testContext(t)
	_, err := ledger.Record(ctx, observe("**D01C02", "00FF", clock.Now().Add(time.Hour)), profile, 0)
	require.NoError(t, err)

	snap := &Snapshot{Profile: profile, Challenges: []*Challenge{
		{ID: "**D01C01", Difficulty: "0FFF", Deadline: clock.Now().Add(-time.Hour)},
		{ID: "**D01C02", Difficulty: "0FFF", Deadline: clock.Now().Add(time.Hour)},
	}}
	res, err := ledger.Restore(ctx, snap, profile)
	require.NoError(t, err)
	require.Equal(t, &ImportResult{Imported: 1, SkippedExisting: 1}, res)

	expired, err := ledger.Get(ctx, profile, "**D01C01")
	require.NoError(t, err)
	require.False(t, expired.Valid(clock.Now()))

	valid, err := ledger.Valid(ctx, profile)
	require.NoError(t, err)
	require.Len(t, valid, 1)
}

func TestSnapshot_ChecksumMismatch(t *testing.T) {
	t.Parallel()
	ledger, clock := newTestLedger(t)
	ctx := testContext(t)
	_, err := ledger.Record(ctx, observe("**D01C01", "0FFF", clock.Now().Add(time.Hour)), profile, 0)
	require.NoError(t, err)

	snap, err := ledger.Export(ctx, profile)
	require.NoError(t, err)
	snap.Challenges[0].Difficulty = "FFFF"

	_, err = ledger.Import(ctx, snap, "other")
	require.ErrorIs(t, err, ErrChecksumMismatch)
}
