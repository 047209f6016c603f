package mining

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nightminer/harvester/challenge"
	"github.com/nightminer/harvester/compute"
	"github.com/nightminer/harvester/feepool"
	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/nonce"
	"github.com/nightminer/harvester/submission"
	"github.com/nightminer/harvester/wallet"
)

const profile = "scavenger"

type fakeAuthority struct {
	mu        sync.Mutex
	current   *challenge.Observation
	rejecting map[string]bool
	// empty makes Submit return neither a result nor an error.
	empty     bool
	submitted []string
	allocated int
}

func (a *fakeAuthority) Challenge(context.Context) (*challenge.Observation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	obs := *a.current
	return &obs, nil
}

func (a *fakeAuthority) Submit(_ context.Context, address, challengeID, nonce string) (*submission.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, address+"/"+nonce)
	if a.empty {
		return nil, nil
	}
	if a.rejecting[address] {
		return &submission.Result{Accepted: false, Message: "Solution invalid"}, nil
	}
	return &submission.Result{Accepted: true, Receipt: []byte(`{}`)}, nil
}

func (a *fakeAuthority) submissions(address string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.submitted {
		if strings.HasPrefix(s, address+"/") {
			n++
		}
	}
	return n
}

func (a *fakeAuthority) Rates(context.Context) ([]float64, error) {
	return []float64{100}, nil
}

func (a *fakeAuthority) Allocate(context.Context, string) (*feepool.Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocated++
	return &feepool.Allocation{Address: fmt.Sprintf("fee%d", a.allocated), AddressIndex: a.allocated}, nil
}

// fakeSearcher finds a solution in the first `budget` batches.
type fakeSearcher struct {
	budget atomic.Int64
}

func newSearcher(budget int64) *fakeSearcher {
	s := &fakeSearcher{}
	s.budget.Store(budget)
	return s
}

func (s *fakeSearcher) Search(_ context.Context, r compute.Request) (*compute.Solution, error) {
	if s.budget.Add(-1) < 0 {
		return nil, nil
	}
	return &compute.Solution{Nonce: r.Nonces[0], Hash: "0000" + r.Nonces[0]}, nil
}

func testWallet() wallet.Wallet {
	var addresses []wallet.Address
	for i := 0; i < 4; i++ {
		addresses = append(addresses, wallet.Address{Index: i, Bech32: fmt.Sprintf("addr%d", i), PubKeyHex: fmt.Sprintf("pub%d", i)})
	}
	return wallet.NewStatic(addresses)
}

func testContext(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

func newTestCoordinator(t *testing.T, dir string, auth *fakeAuthority, searcher Searcher, opts ...Option) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(testContext(t), dir, profile, auth, searcher, testWallet(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func newAuthority() *fakeAuthority {
	return &fakeAuthority{current: &challenge.Observation{
		ID:         "**D01C01",
		Difficulty: "000FFFFF",
		NoPreMine:  "cafe",
		Deadline:   time.Now().Add(2 * time.Hour),
	}}
}

func TestConfigStore(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	c := newTestCoordinator(t, t.TempDir(), newAuthority(), newSearcher(0))

	require.Equal(t, DefaultConfig(), c.Config().Get())

	cfg, err := c.UpdateConfig(ctx, func(cfg *Config) {
		cfg.Workers = 8
		cfg.FeePercent = 2.5
	})
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Workers)

	_, err = c.UpdateConfig(ctx, func(cfg *Config) { cfg.Workers = 300 })
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Equal(t, 8, c.Config().Get().Workers)

	// What is active is what is stored.
	reloaded, err := LoadConfigStore(ctx, c.Store())
	require.NoError(t, err)
	require.Equal(t, c.Config().Get(), reloaded.Get())
	require.Equal(t, 2.5, reloaded.Get().FeePercent)
}

func TestConfig_AddressIndex(t *testing.T) {
	t.Parallel()
	cfg := Config{WorkersPerAddress: 2, AddressCount: 3}
	var got []int
	for w := 0; w < 8; w++ {
		got = append(got, cfg.AddressIndex(w))
	}
	require.Equal(t, []int{0, 0, 1, 1, 2, 2, 0, 0}, got)
}

func TestCoordinator_PollAndMine(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	auth := newAuthority()
	c := newTestCoordinator(t, t.TempDir(), auth, newSearcher(1000))
	_, err := c.UpdateConfig(ctx, func(cfg *Config) {
		cfg.Workers = 4
		cfg.WorkersPerAddress = 2
		cfg.AddressCount = 2
		cfg.BatchSize = 8
	})
	require.NoError(t, err)

	recorded, err := c.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, "**D01C01", recorded.ID)

	best, err := c.BestChallenge(ctx, -1)
	require.NoError(t, err)
	require.Equal(t, recorded.ID, best.ID)

	res, err := c.MineChallenge(ctx, best)
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.Accepted, int64(2))

	rec, err := c.ReconcileSubmissions(ctx)
	require.NoError(t, err)
	require.Empty(t, rec.ActiveFailures)
	addresses := make(map[string]bool)
	cfg := c.Config().Get()
	for _, r := range rec.Receipts {
		addresses[r.Address] = true
		worker, err := nonce.WorkerOf(r.Nonce)
		require.NoError(t, err)
		require.Equal(t, r.WorkerID, worker)
		require.Equal(t, cfg.AddressIndex(worker), r.AddressIndex)
	}
	require.Equal(t, map[string]bool{"addr0": true, "addr1": true}, addresses)

	snap, err := c.StatsSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, len(rec.Receipts), snap.TotalReceipts)
}

func TestCoordinator_RejectedSolutionsAreRecorded(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	auth := newAuthority()
	auth.rejecting = map[string]bool{"addr0": true}
	c := newTestCoordinator(t, t.TempDir(), auth, newSearcher(3), WithRetryDelay(0))
	_, err := c.UpdateConfig(ctx, func(cfg *Config) {
		cfg.Workers = 1
		cfg.BatchSize = 4
	})
	require.NoError(t, err)
	ch, err := c.Poll(ctx)
	require.NoError(t, err)

	roundCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	res, err := c.MineChallenge(roundCtx, ch)
	require.NoError(t, err)
	require.EqualValues(t, 3, res.Rejected)
	require.Zero(t, res.Accepted)

	rec, err := c.ReconcileSubmissions(ctx)
	require.NoError(t, err)
	require.Len(t, rec.ActiveFailures, 3)
	require.Equal(t, "Solution invalid", rec.ActiveFailures[0].Error)

	// The authority now accepts: retrying resolves every failure.
	auth.mu.Lock()
	auth.rejecting = nil
	auth.mu.Unlock()
	summary, err := c.RetryRecentFailures(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Succeeded)

	rec, err = c.ReconcileSubmissions(ctx)
	require.NoError(t, err)
	require.Empty(t, rec.ActiveFailures)
	require.Len(t, rec.Receipts, 3)
}

func TestCoordinator_FeePoolRouting(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	auth := newAuthority()
	c := newTestCoordinator(t, t.TempDir(), auth, newSearcher(5), WithFeePool(feepool.DefaultSize, 0))
	_, err := c.UpdateConfig(ctx, func(cfg *Config) {
		cfg.Workers = 1
		cfg.BatchSize = 1
		cfg.FeePercent = 100
	})
	require.NoError(t, err)
	require.NoError(t, c.PrefetchFeePool(ctx))
	require.True(t, c.FeePoolStatus().Valid)

	ch, err := c.Poll(ctx)
	require.NoError(t, err)
	roundCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	res, err := c.MineChallenge(roundCtx, ch)
	require.NoError(t, err)
	require.EqualValues(t, 5, res.Fee)

	status := c.FeePoolStatus()
	require.EqualValues(t, 5, status.TotalFeeSolutions)
	for i, slot := range status.Slots {
		want := uint64(0)
		if i < 5 {
			want = 1
		}
		require.Equal(t, want, slot.Used, "slot %d", i)
	}

	rec, err := c.ReconcileSubmissions(ctx)
	require.NoError(t, err)
	for _, r := range rec.Receipts {
		require.True(t, r.Fee)
	}
}

func TestCoordinator_ExportSeed(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	source := newTestCoordinator(t, t.TempDir(), newAuthority(), newSearcher(0))
	_, err := source.Poll(ctx)
	require.NoError(t, err)

	snap, err := source.ExportValidChallenges(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Challenges, 1)

	target := newTestCoordinator(t, t.TempDir(), newAuthority(), newSearcher(0))
	res, err := target.SeedChallenges(ctx, snap)
	require.NoError(t, err)
	require.Equal(t, 1, res.Imported)

	res, err = target.SeedChallenges(ctx, snap)
	require.NoError(t, err)
	require.Equal(t, 1, res.SkippedExisting)
}

func TestCoordinator_NoFeePool(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, t.TempDir(), newAuthority(), newSearcher(0))
	require.False(t, c.FeePoolStatus().Valid)
	require.ErrorIs(t, c.PrefetchFeePool(testContext(t)), feepool.ErrNoValidPool)
}

func TestCoordinator_SolvedChallengeIsNotMinedAgain(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	auth := newAuthority()
	c := newTestCoordinator(t, t.TempDir(), auth, newSearcher(1000),
		WithPollInterval(10*time.Millisecond),
		WithRoundDuration(50*time.Millisecond),
	)
	_, err := c.UpdateConfig(ctx, func(cfg *Config) {
		cfg.Workers = 1
		cfg.AddressCount = 1
		cfg.BatchSize = 1
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(runCtx))
	require.Equal(t, 1, auth.submissions("addr0"))

	// A direct round on the solved challenge does not search at all.
	ch, err := c.BestChallenge(ctx, -1)
	require.NoError(t, err)
	res, err := c.MineChallenge(ctx, ch)
	require.NoError(t, err)
	require.Equal(t, 1, res.AlreadySolved)
	require.Zero(t, res.Batches)
	require.Equal(t, 1, auth.submissions("addr0"))
}

func TestCoordinator_MineChallengeSkipsOnlySolvedAddresses(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	auth := newAuthority()
	c := newTestCoordinator(t, t.TempDir(), auth, newSearcher(1000))
	_, err := c.UpdateConfig(ctx, func(cfg *Config) {
		cfg.Workers = 1
		cfg.AddressCount = 1
		cfg.BatchSize = 1
	})
	require.NoError(t, err)
	ch, err := c.Poll(ctx)
	require.NoError(t, err)

	res, err := c.MineChallenge(ctx, ch)
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Accepted)

	// A second address joins: only it is mined.
	_, err = c.UpdateConfig(ctx, func(cfg *Config) {
		cfg.Workers = 2
		cfg.AddressCount = 2
	})
	require.NoError(t, err)
	res, err = c.MineChallenge(ctx, ch)
	require.NoError(t, err)
	require.Equal(t, 1, res.AlreadySolved)
	require.EqualValues(t, 1, res.Accepted)
	require.Equal(t, 1, auth.submissions("addr0"))
	require.Equal(t, 1, auth.submissions("addr1"))
}

func TestCoordinator_RunStopsCleanlyOnDeadline(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	c := newTestCoordinator(t, t.TempDir(), newAuthority(), newSearcher(0), WithPollInterval(10*time.Millisecond))

	runCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(runCtx))
	require.ErrorIs(t, runCtx.Err(), context.DeadlineExceeded)
}

func TestCoordinator_EmptySubmitResultIsRecordedAsFailure(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	auth := newAuthority()
	auth.empty = true
	c := newTestCoordinator(t, t.TempDir(), auth, newSearcher(1))
	_, err := c.UpdateConfig(ctx, func(cfg *Config) {
		cfg.Workers = 1
		cfg.BatchSize = 1
	})
	require.NoError(t, err)
	ch, err := c.Poll(ctx)
	require.NoError(t, err)

	roundCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	res, err := c.MineChallenge(roundCtx, ch)
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Errors)
	require.Zero(t, res.Accepted)

	rec, err := c.ReconcileSubmissions(ctx)
	require.NoError(t, err)
	require.Len(t, rec.ActiveFailures, 1)
	require.Equal(t, submission.ErrNoResult.Error(), rec.ActiveFailures[0].Error)
}
