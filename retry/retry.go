// Package retry replays recent failed submissions against the authority.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/submission"
)

//go:generate mockgen -package mocks -destination mocks/submitter.go . Submitter

const (
	DefaultWindow = 24 * time.Hour
	DefaultDelay  = 500 * time.Millisecond
)

var ErrInvalidWindow = errors.New("retry window must be positive")

var retriedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "harvester",
	Subsystem: "retry",
	Name:      "total",
	Help:      "Number of retried submissions by result",
}, []string{"result"})

// Submitter hands a solution to the authority. A rejection is reported
// through the result, an unreachable authority through the error.
type Submitter interface {
	Submit(ctx context.Context, address, challengeID, nonce string) (*submission.Result, error)
}

type ItemResult struct {
	submission.Key
	AddressIndex int    `json:"address_index"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

type Summary struct {
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Results   []ItemResult `json:"results"`
}

type Coordinator struct {
	ledger    *submission.Ledger
	submitter Submitter
	delay     time.Duration
	now       func() time.Time
}

type newCoordinatorOptions struct {
	delay time.Duration
	now   func() time.Time
}

type newCoordinatorOptionFunc func(*newCoordinatorOptions)

// WithDelay sets the pause between consecutive submissions.
func WithDelay(delay time.Duration) newCoordinatorOptionFunc {
	return func(o *newCoordinatorOptions) {
		o.delay = delay
	}
}

func WithClock(now func() time.Time) newCoordinatorOptionFunc {
	return func(o *newCoordinatorOptions) {
		o.now = now
	}
}

func New(ledger *submission.Ledger, submitter Submitter, opts ...newCoordinatorOptionFunc) *Coordinator {
	options := newCoordinatorOptions{delay: DefaultDelay, now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}
	return &Coordinator{
		ledger:    ledger,
		submitter: submitter,
		delay:     options.delay,
		now:       options.now,
	}
}

// Eligible returns the latest failure event of every unresolved key that
// failed within window, oldest first.
func Eligible(receipts, failures []submission.Record, since time.Time) []submission.Record {
	solved := make(map[submission.Key]struct{}, len(receipts))
	for i := range receipts {
		solved[receipts[i].Key()] = struct{}{}
	}
	latest := make(map[submission.Key]submission.Record)
	for _, ev := range failures {
		k := ev.Key()
		if _, ok := solved[k]; ok {
			continue
		}
		if prev, ok := latest[k]; !ok || !ev.Timestamp.Before(prev.Timestamp) {
			latest[k] = ev
		}
	}
	var out []submission.Record
	for _, ev := range latest {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

// RetryRecent resubmits, one at a time, every unresolved failure that
// happened within window. A failing item never aborts the batch. When ctx is
// cancelled the items processed so far are returned with the context error.
func (c *Coordinator) RetryRecent(ctx context.Context, window time.Duration) (*Summary, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWindow, window)
	}
	ctx, logger := logging.Named(ctx, "retry")

	receipts, failures, err := c.ledger.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	items := Eligible(receipts, failures, c.now().Add(-window))
	summary := &Summary{Total: len(items), Results: make([]ItemResult, 0, len(items))}
	if len(items) == 0 {
		logger.Debug("nothing to retry", zap.Duration("window", window))
		return summary, nil
	}
	logger.Info("retrying failed submissions", zap.Int("count", len(items)), zap.Duration("window", window))

	limiter := rate.NewLimiter(rate.Every(c.delay), 1)
	for _, item := range items {
		if err := limiter.Wait(ctx); err != nil {
			return summary, err
		}
		res := c.retry(ctx, item)
		if res.Success {
			summary.Succeeded++
			retriedMetric.WithLabelValues("success").Inc()
		} else {
			summary.Failed++
			retriedMetric.WithLabelValues("failure").Inc()
		}
		summary.Results = append(summary.Results, res)
	}
	logger.Info("retry done",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (c *Coordinator) retry(ctx context.Context, item submission.Record) ItemResult {
	k := item.Key()
	logger := logging.FromContext(ctx).With(zap.Stringer("key", k))
	result := ItemResult{Key: k, AddressIndex: item.AddressIndex}

	attempt := item
	attempt.Timestamp = time.Time{}
	attempt.Error = ""

	res, err := c.submitter.Submit(ctx, item.Address, item.ChallengeID, item.Nonce)
	switch {
	case err != nil:
		attempt.Error = err.Error()
	case res == nil:
		attempt.Error = submission.ErrNoResult.Error()
	case !res.Accepted:
		attempt.Error = res.Message
		if attempt.Error == "" {
			attempt.Error = "rejected"
		}
	}
	if attempt.Error != "" {
		result.Error = attempt.Error
		logger.Info("retry failed", zap.String("error", attempt.Error))
		if err := c.ledger.RecordFailure(ctx, attempt); err != nil {
			logger.Warn("failed to record failure", zap.Error(err))
		}
		return result
	}

	attempt.Receipt = res.Receipt
	if err := c.ledger.RecordReceipt(ctx, attempt); err != nil {
		// The authority accepted the solution, so the stale failure stays
		// until a receipt exists to supersede it.
		result.Error = err.Error()
		logger.Error("accepted but failed to record receipt", zap.Error(err))
		return result
	}
	if _, err := c.ledger.RemoveFailure(ctx, k); err != nil {
		logger.Warn("failed to remove resolved failure", zap.Error(err))
	}
	result.Success = true
	logger.Info("retry succeeded")
	return result
}
