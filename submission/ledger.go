package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/store"
)

const (
	ReceiptsFile = "receipts.jsonl"
	FailuresFile = "errors.jsonl"
)

var (
	recordedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "submission",
		Name:      "total",
		Help:      "Number of submission outcomes recorded",
	}, []string{"outcome"})

	removedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "submission",
		Name:      "failures_removed_total",
		Help:      "Number of raw failure events removed after a successful retry",
	})
)

// Ledger is the pair of append-only receipt and failure logs of a project.
// Writes never deduplicate. Reconcile does that at read time.
type Ledger struct {
	receipts *store.Log
	failures *store.Log
	now      func() time.Time
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

// NewLedger opens the logs kept in dir.
func NewLedger(dir string, opts ...newLedgerOptionFunc) *Ledger {
	options := newLedgerOptions{now: time.Now}
	for _, opt := range opts {
		opt(&options)
	}
	return &Ledger{
		receipts: store.NewLog(filepath.Join(dir, ReceiptsFile)),
		failures: store.NewLog(filepath.Join(dir, FailuresFile)),
		now:      options.now,
	}
}

func (l *Ledger) RecordReceipt(ctx context.Context, rec Record) error {
	return l.append(ctx, l.receipts, rec, "success")
}

func (l *Ledger) RecordFailure(ctx context.Context, rec Record) error {
	return l.append(ctx, l.failures, rec, "failure")
}

func (l *Ledger) append(ctx context.Context, log *store.Log, rec Record, outcome string) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if err := log.Append(&rec); err != nil {
		return fmt.Errorf("recording %s of %s: %w", outcome, rec.Key(), err)
	}
	recordedMetric.WithLabelValues(outcome).Inc()
	logging.FromContext(ctx).Debug("recorded submission",
		zap.String("outcome", outcome),
		zap.Stringer("key", rec.Key()),
		zap.Int("address_index", rec.AddressIndex),
	)
	return nil
}

// Receipts returns every raw receipt event.
func (l *Ledger) Receipts(ctx context.Context) ([]Record, error) {
	return store.ReadAll[Record](ctx, l.receipts)
}

// Failures returns every raw failure event.
func (l *Ledger) Failures(ctx context.Context) ([]Record, error) {
	return store.ReadAll[Record](ctx, l.failures)
}

// Snapshot reads both logs as of one instant. A receipt recorded before its
// failure is removed is therefore never missed.
func (l *Ledger) Snapshot(ctx context.Context) (receipts, failures []Record, err error) {
	lines, err := store.Snapshot(l.receipts, l.failures)
	if err != nil {
		return nil, nil, err
	}
	receipts = store.DecodeLines[Record](ctx, l.receipts, lines[0])
	failures = store.DecodeLines[Record](ctx, l.failures, lines[1])
	return receipts, failures, nil
}

// Reconcile reads both logs and folds them into one outcome per key.
// It never writes.
func (l *Ledger) Reconcile(ctx context.Context) (*Reconciliation, error) {
	receipts, failures, err := l.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return Reconcile(receipts, failures, l.now()), nil
}

// RemoveFailure deletes every raw failure event of k. Lines that cannot be
// parsed are kept as they are.
func (l *Ledger) RemoveFailure(ctx context.Context, k Key) (int, error) {
	removed, err := l.failures.Rewrite(ctx, func(raw []byte) bool {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return false
		}
		return rec.Key() == k
	})
	if err != nil {
		return 0, fmt.Errorf("removing failures of %s: %w", k, err)
	}
	removedMetric.Add(float64(removed))
	logging.FromContext(ctx).Debug("removed failures", zap.Stringer("key", k), zap.Int("removed", removed))
	return removed, nil
}
