package mining

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/nightminer/harvester/challenge"
	"github.com/nightminer/harvester/compute"
	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/nonce"
	"github.com/nightminer/harvester/submission"
	"github.com/nightminer/harvester/wallet"
)

const searchBackoff = time.Second

var (
	batchesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "mining",
		Name:      "batches_total",
		Help:      "Number of nonce batches handed to the compute service",
	})

	activeWorkersMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "harvester",
		Subsystem: "mining",
		Name:      "active_workers",
		Help:      "Number of running worker sessions",
	})
)

// RoundResult summarizes one MineChallenge call.
type RoundResult struct {
	ChallengeID string `json:"challenge_id"`
	Batches     int64  `json:"batches"`
	Accepted    int64  `json:"accepted"`
	Rejected    int64  `json:"rejected"`
	Errors      int64  `json:"errors"`
	Fee         int64  `json:"fee"`
	// AlreadySolved counts the addresses skipped for holding a receipt.
	AlreadySolved int `json:"already_solved"`
}

type roundCounters struct {
	batches, accepted, rejected, errors, fee atomic.Int64
}

// MineChallenge runs one worker session per configured worker until ctx is
// done, the deadline of ch passes or every address solved ch. Sessions are
// independent: each owns a nonce generator bound to its worker ID, so no two
// sessions ever test the same nonce. Addresses holding a receipt for ch are
// not mined again.
func (c *Coordinator) MineChallenge(ctx context.Context, ch *challenge.Challenge) (*RoundResult, error) {
	cfg := c.config.Get()
	ctx, cancel := context.WithDeadline(ctx, ch.Deadline)
	defer cancel()
	ctx, logger := logging.Named(ctx, "round", zap.String("challenge", ch.ID))

	addresses, err := c.roundAddresses(ctx, cfg)
	if err != nil {
		return nil, err
	}
	solvedBy, err := c.solvedAddresses(ctx)
	if err != nil {
		return nil, err
	}
	res := &RoundResult{ChallengeID: ch.ID}
	solved := make(map[int]*atomic.Bool, len(addresses))
	for idx, addr := range addresses {
		solved[idx] = new(atomic.Bool)
		if solvedBy[ch.ID][addr.Bech32] {
			solved[idx].Store(true)
			res.AlreadySolved++
		}
	}
	if res.AlreadySolved == len(addresses) {
		logger.Info("every address already solved the challenge", zap.Int("addresses", len(addresses)))
		return res, nil
	}
	logger.Info("mining",
		zap.Int("workers", cfg.Workers),
		zap.Int("addresses", len(addresses)),
		zap.Int("already_solved", res.AlreadySolved),
		zap.String("difficulty", ch.Difficulty),
	)

	var (
		counters roundCounters
		wg       sync.WaitGroup
		mu       sync.Mutex
		errs     *multierror.Error
	)
	for w := 0; w < cfg.Workers; w++ {
		idx := cfg.AddressIndex(w)
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			activeWorkersMetric.Inc()
			defer activeWorkersMetric.Dec()
			if err := c.session(ctx, worker, cfg, ch, addresses[idx], solved[idx], &counters); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	res.Batches = counters.batches.Load()
	res.Accepted = counters.accepted.Load()
	res.Rejected = counters.rejected.Load()
	res.Errors = counters.errors.Load()
	res.Fee = counters.fee.Load()
	logger.Info("round done",
		zap.Int64("batches", res.Batches),
		zap.Int64("accepted", res.Accepted),
		zap.Int64("rejected", res.Rejected),
		zap.Int64("errors", res.Errors),
		zap.Int64("fee", res.Fee),
	)
	return res, errs.ErrorOrNil()
}

// roundAddresses derives the address of every configured worker, keyed by
// address index.
func (c *Coordinator) roundAddresses(ctx context.Context, cfg Config) (map[int]wallet.Address, error) {
	addresses := make(map[int]wallet.Address)
	for w := 0; w < cfg.Workers; w++ {
		idx := cfg.AddressIndex(w)
		if _, ok := addresses[idx]; ok {
			continue
		}
		addr, err := c.wallet.DeriveAddress(ctx, idx)
		if err != nil {
			return nil, fmt.Errorf("deriving address %d: %w", idx, err)
		}
		addresses[idx] = addr
	}
	return addresses, nil
}

// solvedAddresses returns, per challenge ID, the addresses holding a receipt
// of their own. Fee solutions do not count.
func (c *Coordinator) solvedAddresses(ctx context.Context) (map[string]map[string]bool, error) {
	receipts, err := c.submissions.Receipts(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading receipts: %w", err)
	}
	out := make(map[string]map[string]bool)
	for _, r := range receipts {
		if r.Fee {
			continue
		}
		if out[r.ChallengeID] == nil {
			out[r.ChallengeID] = make(map[string]bool)
		}
		out[r.ChallengeID][r.Address] = true
	}
	return out, nil
}

// session searches ch for own until own solved it. Only a defect, such as a
// misrendered nonce, ends it with an error.
func (c *Coordinator) session(
	ctx context.Context,
	worker int,
	cfg Config,
	ch *challenge.Challenge,
	own wallet.Address,
	solved *atomic.Bool,
	counters *roundCounters,
) error {
	gen, err := nonce.New(worker)
	if err != nil {
		return err
	}
	logger := logging.FromContext(ctx).With(zap.Int("worker", worker), zap.String("address", own.Bech32))

	for ctx.Err() == nil && !solved.Load() {
		dest, fee := own, false
		if c.pool != nil && c.pool.Due(c.solved.Load()) {
			if slot, err := c.pool.NextAddress(); err == nil {
				dest, fee = wallet.Address{Index: slot.Index, Bech32: slot.Address}, true
			}
		}

		batch, err := gen.Batch(cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("worker %d: %w", worker, err)
		}
		counters.batches.Add(1)
		batchesMetric.Inc()
		sol, err := c.searcher.Search(ctx, compute.Request{
			Address:     dest.Bech32,
			ChallengeID: ch.ID,
			Difficulty:  ch.Difficulty,
			NoPreMine:   ch.NoPreMine,
			Nonces:      batch,
		})
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			counters.errors.Add(1)
			logger.Warn("search failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(searchBackoff):
			}
			continue
		case sol == nil:
			continue
		}

		rec := submission.Record{
			Address:      dest.Bech32,
			AddressIndex: dest.Index,
			ChallengeID:  ch.ID,
			Nonce:        sol.Nonce,
			Hash:         sol.Hash,
			WorkerID:     worker,
			Fee:          fee,
		}
		if !c.submit(ctx, rec, counters) {
			continue
		}
		if fee {
			counters.fee.Add(1)
			if err := c.pool.RecordFeeSolution(ctx, dest.Bech32); err != nil {
				logger.Warn("failed to record fee solution", zap.Error(err))
			}
			continue
		}
		solved.Store(true)
	}
	return nil
}

// submit hands rec to the authority and records the outcome. A found
// solution is submitted even when the round ends meanwhile.
func (c *Coordinator) submit(ctx context.Context, rec submission.Record, counters *roundCounters) bool {
	logger := logging.FromContext(ctx).With(zap.String("address", rec.Address), zap.String("nonce", rec.Nonce))
	ctx = context.WithoutCancel(ctx)

	res, err := c.authority.Submit(ctx, rec.Address, rec.ChallengeID, rec.Nonce)
	switch {
	case err != nil:
		counters.errors.Add(1)
		rec.Error = err.Error()
	case res == nil:
		counters.errors.Add(1)
		rec.Error = submission.ErrNoResult.Error()
	case !res.Accepted:
		counters.rejected.Add(1)
		rec.Error = res.Message
		if rec.Error == "" {
			rec.Error = "rejected"
		}
	}
	if rec.Error != "" {
		logger.Info("submission failed", zap.String("error", rec.Error))
		if err := c.submissions.RecordFailure(ctx, rec); err != nil {
			logger.Error("failed to record failure", zap.Error(err))
		}
		return false
	}

	rec.Receipt = res.Receipt
	counters.accepted.Add(1)
	c.solved.Add(1)
	if err := c.submissions.RecordReceipt(ctx, rec); err != nil {
		logger.Error("accepted solution not recorded", zap.Error(err))
	}
	logger.Info("solution accepted", zap.Bool("fee", rec.Fee))
	return true
}
