// Package mining ties the ledgers together: it polls the authority, picks the
// challenge to mine, runs the worker sessions and exposes the query surface
// used by the operator.
package mining

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nightminer/harvester/challenge"
	"github.com/nightminer/harvester/compute"
	"github.com/nightminer/harvester/feepool"
	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/retry"
	"github.com/nightminer/harvester/stats"
	"github.com/nightminer/harvester/store"
	"github.com/nightminer/harvester/submission"
	"github.com/nightminer/harvester/wallet"
)

// Authority is the remote authority as seen by the coordinator.
type Authority interface {
	Challenge(ctx context.Context) (*challenge.Observation, error)
	retry.Submitter
	stats.RateSource
	feepool.Allocator
}

// Searcher runs the hash search for a batch of nonces.
type Searcher interface {
	Search(ctx context.Context, r compute.Request) (*compute.Solution, error)
}

type Coordinator struct {
	profile string
	dir     string
	kv      *store.KV

	config      *ConfigStore
	challenges  *challenge.Ledger
	submissions *submission.Ledger
	retrier     *retry.Coordinator
	pool        *feepool.Rotator
	stats       *stats.Aggregator

	authority Authority
	searcher  Searcher
	wallet    wallet.Wallet

	opts   coordinatorOptions
	solved atomic.Uint64
}

type coordinatorOptions struct {
	pollInterval  time.Duration
	roundDuration time.Duration
	sweepInterval time.Duration
	validityHint  time.Duration
	retentionDays int
	retryDelay    time.Duration
	feePool       bool
	poolSize      int
	poolDelay     time.Duration
	stats         stats.Options
	now           func() time.Time
}

type Option func(*coordinatorOptions)

func WithPollInterval(d time.Duration) Option {
	return func(o *coordinatorOptions) {
		o.pollInterval = d
	}
}

// WithRoundDuration bounds how long a challenge is mined before the
// selection is made again.
func WithRoundDuration(d time.Duration) Option {
	return func(o *coordinatorOptions) {
		o.roundDuration = d
	}
}

// WithRetention removes challenges issued more than days ago every interval.
func WithRetention(days int, interval time.Duration) Option {
	return func(o *coordinatorOptions) {
		o.retentionDays = days
		o.sweepInterval = interval
	}
}

// WithValidityHint is used only for challenges polled without a deadline.
func WithValidityHint(d time.Duration) Option {
	return func(o *coordinatorOptions) {
		o.validityHint = d
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(o *coordinatorOptions) {
		o.retryDelay = d
	}
}

// WithFeePool enables routing a share of solutions to the fee pool.
func WithFeePool(size int, delay time.Duration) Option {
	return func(o *coordinatorOptions) {
		o.feePool = true
		o.poolSize = size
		o.poolDelay = delay
	}
}

func WithStats(opts stats.Options) Option {
	return func(o *coordinatorOptions) {
		o.stats = opts
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *coordinatorOptions) {
		o.now = now
	}
}

// StateDir is the location of the key-value store of profile.
func StateDir(dbDir, profile string) string {
	return filepath.Join(dbDir, profile, "state")
}

// NewCoordinator opens the project store under dbDir/profile. Every piece of
// state of the project lives in that directory.
func NewCoordinator(
	ctx context.Context,
	dbDir, profile string,
	authority Authority,
	searcher Searcher,
	w wallet.Wallet,
	opts ...Option,
) (*Coordinator, error) {
	options := coordinatorOptions{
		pollInterval:  time.Minute,
		roundDuration: 5 * time.Minute,
		sweepInterval: time.Hour,
		retentionDays: 7,
		retryDelay:    retry.DefaultDelay,
		poolSize:      feepool.DefaultSize,
		poolDelay:     feepool.DefaultDelay,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if profile == "" {
		return nil, errors.New("profile must not be empty")
	}
	dir := filepath.Join(dbDir, profile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating project directory: %w", err)
	}
	kv, err := store.Open(StateDir(dbDir, profile))
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		profile:   profile,
		dir:       dir,
		kv:        kv,
		authority: authority,
		searcher:  searcher,
		wallet:    w,
		opts:      options,
	}
	if err := c.init(ctx); err != nil {
		return nil, multierror.Append(err, kv.Close()).ErrorOrNil()
	}
	return c, nil
}

func (c *Coordinator) init(ctx context.Context) error {
	var err error
	if c.config, err = LoadConfigStore(ctx, c.kv); err != nil {
		return err
	}
	c.challenges = challenge.NewLedger(c.kv, challenge.WithClock(c.opts.now))
	c.submissions = submission.NewLedger(c.dir, submission.WithClock(c.opts.now))
	c.retrier = retry.New(c.submissions, c.authority, retry.WithDelay(c.opts.retryDelay), retry.WithClock(c.opts.now))
	c.stats = stats.NewAggregator(c.submissions, c.authority, c.opts.stats, stats.WithClock(c.opts.now))
	if c.opts.feePool {
		c.pool, err = feepool.New(ctx, c.kv, c.authority,
			feepool.WithSize(c.opts.poolSize),
			feepool.WithDelay(c.opts.poolDelay),
			feepool.WithPercent(c.config.Get().FeePercent),
			feepool.WithClock(c.opts.now),
		)
		if err != nil {
			return err
		}
	}
	receipts, err := c.submissions.Receipts(ctx)
	if err != nil {
		return err
	}
	c.solved.Store(uint64(len(submission.DedupeReceipts(receipts))))
	return nil
}

func (c *Coordinator) Close() error {
	var result *multierror.Error
	if err := c.kv.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing store: %w", err))
	}
	return result.ErrorOrNil()
}

func (c *Coordinator) Config() *ConfigStore {
	return c.config
}

// UpdateConfig persists a config change and applies it to running components.
// Worker sessions pick it up at the start of the next round.
func (c *Coordinator) UpdateConfig(ctx context.Context, fn func(*Config)) (Config, error) {
	cfg, err := c.config.Update(ctx, fn)
	if err != nil {
		return cfg, err
	}
	if c.pool != nil {
		if err := c.pool.SetPercent(cfg.FeePercent); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func (c *Coordinator) Challenges() *challenge.Ledger {
	return c.challenges
}

func (c *Coordinator) Submissions() *submission.Ledger {
	return c.submissions
}

// Store is the project store, shared with migrations.
func (c *Coordinator) Store() *store.KV {
	return c.kv
}

// Poll records the challenge currently issued by the authority.
func (c *Coordinator) Poll(ctx context.Context) (*challenge.Challenge, error) {
	obs, err := c.authority.Challenge(ctx)
	if err != nil {
		return nil, err
	}
	return c.challenges.Record(ctx, *obs, c.profile, c.opts.validityHint)
}

// Run polls, mines and sweeps until ctx is done.
// The end of ctx, by cancellation or deadline, is a clean stop.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, logger := logging.Named(ctx, "coordinator", zap.String("profile", c.profile))
	logger.Info("starting", zap.Any("config", c.config.Get()))

	if c.pool != nil && !c.pool.HasValidPool() {
		if err := c.pool.Prefetch(ctx, c.opts.poolSize); err != nil {
			logger.Warn("fee pool unavailable, mining without it", zap.Error(err))
		}
	}

	parent := ctx
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return every(ctx, c.opts.pollInterval, func() {
			if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("poll failed", zap.Error(err))
			}
		})
	})
	g.Go(func() error {
		return every(ctx, c.opts.sweepInterval, func() {
			if _, err := c.challenges.RetentionSweep(ctx, c.opts.retentionDays); err != nil {
				logger.Warn("retention sweep failed", zap.Error(err))
			}
		})
	})
	g.Go(func() error {
		return c.mineLoop(ctx)
	})
	err := g.Wait()
	if parent.Err() != nil {
		logger.Info("stopped", zap.NamedError("cause", parent.Err()))
		return nil
	}
	return err
}

// every runs fn immediately and then on every tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) mineLoop(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	for {
		next, err := c.nextChallenge(ctx)
		if err != nil {
			return err
		}
		if next == nil {
			logger.Debug("no challenge left to mine")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.opts.pollInterval):
			}
			continue
		}
		roundCtx, cancel := context.WithTimeout(ctx, c.opts.roundDuration)
		_, err = c.MineChallenge(roundCtx, next)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
	}
}

// nextChallenge returns the best challenge that some configured address has
// not solved yet, or nil when there is none.
func (c *Coordinator) nextChallenge(ctx context.Context) (*challenge.Challenge, error) {
	cfg := c.config.Get()
	candidates, err := c.challenges.Candidates(ctx, c.profile, c.policy(cfg, -1))
	if err != nil || len(candidates) == 0 {
		return nil, err
	}
	addresses, err := c.roundAddresses(ctx, cfg)
	if err != nil {
		return nil, err
	}
	solvedBy, err := c.solvedAddresses(ctx)
	if err != nil {
		return nil, err
	}
	for _, ch := range candidates {
		for _, addr := range addresses {
			if !solvedBy[ch.ID][addr.Bech32] {
				return ch, nil
			}
		}
	}
	return nil, nil
}

// BestChallenge selects the challenge to mine. A negative minMinutes uses
// the configured threshold.
func (c *Coordinator) BestChallenge(ctx context.Context, minMinutes int) (*challenge.Challenge, error) {
	return c.challenges.Select(ctx, c.profile, c.policy(c.config.Get(), minMinutes))
}

func (c *Coordinator) policy(cfg Config, minMinutes int) challenge.Policy {
	if minMinutes < 0 {
		minMinutes = cfg.MinMinutesRemaining
	}
	return challenge.Policy{
		MinRemaining: time.Duration(minMinutes) * time.Minute,
		PreferEasier: cfg.PreferEasier,
	}
}

func (c *Coordinator) ReconcileSubmissions(ctx context.Context) (*submission.Reconciliation, error) {
	return c.submissions.Reconcile(ctx)
}

func (c *Coordinator) RetryRecentFailures(ctx context.Context, window time.Duration) (*retry.Summary, error) {
	return c.retrier.RetryRecent(ctx, window)
}

func (c *Coordinator) ExportValidChallenges(ctx context.Context) (*challenge.Snapshot, error) {
	return c.challenges.Export(ctx, c.profile)
}

func (c *Coordinator) SeedChallenges(ctx context.Context, source *challenge.Snapshot) (*challenge.ImportResult, error) {
	return c.challenges.Import(ctx, source, c.profile)
}

// FeePoolStatus reports an invalid, empty pool when routing is disabled.
func (c *Coordinator) FeePoolStatus() feepool.Status {
	if c.pool == nil {
		return feepool.Status{}
	}
	return c.pool.Status()
}

// PrefetchFeePool refills the fee pool.
func (c *Coordinator) PrefetchFeePool(ctx context.Context) error {
	if c.pool == nil {
		return feepool.ErrNoValidPool
	}
	return c.pool.Prefetch(ctx, c.opts.poolSize)
}

func (c *Coordinator) StatsSnapshot(ctx context.Context) (*stats.Snapshot, error) {
	return c.stats.Snapshot(ctx)
}
