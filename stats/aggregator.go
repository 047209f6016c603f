package stats

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/submission"
)

// RateSource supplies the day-indexed reward rates.
type RateSource interface {
	Rates(ctx context.Context) ([]float64, error)
}

type Aggregator struct {
	ledger *submission.Ledger
	rates  RateSource
	opts   Options
	now    func() time.Time
}

type newAggregatorOptionFunc func(*Aggregator)

func WithClock(now func() time.Time) newAggregatorOptionFunc {
	return func(a *Aggregator) {
		a.now = now
	}
}

func NewAggregator(ledger *submission.Ledger, rates RateSource, opts Options, fns ...newAggregatorOptionFunc) *Aggregator {
	a := &Aggregator{ledger: ledger, rates: rates, opts: opts, now: time.Now}
	for _, fn := range fns {
		fn(a)
	}
	return a
}

// Snapshot recomputes the statistics. When the rates cannot be fetched,
// rewards are reported as zero rather than failing the snapshot.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	receipts, err := a.ledger.Receipts(ctx)
	if err != nil {
		return nil, err
	}
	var rates []float64
	if a.rates != nil {
		rates, err = a.rates.Rates(ctx)
		if err != nil {
			logging.FromContext(ctx).Warn("failed to fetch reward rates", zap.Error(err))
			rates = nil
		}
	}
	opts := a.opts
	opts.Now = a.now()
	return Compute(receipts, rates, opts), nil
}
