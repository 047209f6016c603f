// Package feepool rotates a fixed fraction of solved work through a pool of
// addresses handed out by the allocation authority.
package feepool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/store"
)

//go:generate mockgen -package mocks -destination mocks/allocator.go . Allocator

const (
	DefaultSize    = 10
	DefaultDelay   = 200 * time.Millisecond
	DefaultPercent = 5
)

var (
	ErrInvalidPoolSize = errors.New("invalid fee pool size")
	ErrIncompletePool  = errors.New("fee pool incomplete")
	ErrNoValidPool     = errors.New("no valid fee pool")
	ErrUnknownAddress  = errors.New("address is not in the fee pool")
)

var (
	solutionsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "feepool",
		Name:      "solutions_total",
		Help:      "Number of solutions credited to the fee pool",
	})

	poolSizeMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "harvester",
		Subsystem: "feepool",
		Name:      "size",
		Help:      "Number of addresses in the usable fee pool (0 when disabled)",
	})
)

var stateKey = store.Key("feepool")

// Allocation is one address handed out by the allocation authority.
type Allocation struct {
	Address      string `json:"address"`
	AddressIndex int    `json:"address_index"`
	IsNew        bool   `json:"is_new_assignment"`
}

type Allocator interface {
	Allocate(ctx context.Context, clientID string) (*Allocation, error)
}

type Slot struct {
	Address   string    `json:"address"`
	Index     int       `json:"index"`
	FetchedAt time.Time `json:"fetched_at"`
	Used      uint64    `json:"used"`
}

type Status struct {
	ClientID          string  `json:"client_id"`
	Valid             bool    `json:"valid"`
	Size              int     `json:"size"`
	Slots             []Slot  `json:"slots"`
	TotalFeeSolutions uint64  `json:"total_fee_solutions"`
	Percent           float64 `json:"percent"`
}

// state is the persisted form of the pool.
type state struct {
	ClientID          string
	Slots             []slotRecord
	TotalFeeSolutions uint64
}

type slotRecord struct {
	Address   string
	Index     int64
	FetchedAt int64
	Used      uint64
}

// Rotator owns the fee pool of one project. Every mutation is written
// through to the store before the call returns.
type Rotator struct {
	kv      *store.KV
	alloc   Allocator
	size    int
	delay   time.Duration
	percent float64
	now     func() time.Time

	mu    sync.Mutex
	state state
}

type newRotatorOptions struct {
	size    int
	delay   time.Duration
	percent float64
	now     func() time.Time
}

type newRotatorOptionFunc func(*newRotatorOptions)

func WithSize(size int) newRotatorOptionFunc {
	return func(o *newRotatorOptions) {
		o.size = size
	}
}

// WithDelay sets the pause between consecutive allocation requests.
func WithDelay(delay time.Duration) newRotatorOptionFunc {
	return func(o *newRotatorOptions) {
		o.delay = delay
	}
}

// WithPercent sets the share of solutions routed to the pool.
func WithPercent(percent float64) newRotatorOptionFunc {
	return func(o *newRotatorOptions) {
		o.percent = percent
	}
}

func WithClock(now func() time.Time) newRotatorOptionFunc {
	return func(o *newRotatorOptions) {
		o.now = now
	}
}

// New loads the pool state of the project, creating a fresh client ID on
// first use.
func New(ctx context.Context, kv *store.KV, alloc Allocator, opts ...newRotatorOptionFunc) (*Rotator, error) {
	options := newRotatorOptions{
		size:    DefaultSize,
		delay:   DefaultDelay,
		percent: DefaultPercent,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPoolSize, options.size)
	}
	if options.percent < 0 || options.percent > 100 {
		return nil, fmt.Errorf("fee percent out of range: %v", options.percent)
	}

	r := &Rotator{
		kv:      kv,
		alloc:   alloc,
		size:    options.size,
		delay:   options.delay,
		percent: options.percent,
		now:     options.now,
	}
	err := kv.Get(stateKey, &r.state)
	switch {
	case store.IsNotFound(err):
		r.state = state{ClientID: uuid.New().String()}
		if err := r.persist(ctx); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("loading fee pool: %w", err)
	}
	if !r.valid() && len(r.state.Slots) > 0 {
		logging.FromContext(ctx).Warn("discarding incomplete fee pool",
			zap.Int("have", len(r.state.Slots)),
			zap.Int("want", r.size),
		)
		r.state.Slots = nil
		if err := r.persist(ctx); err != nil {
			return nil, err
		}
	}
	r.updateMetric()
	return r, nil
}

func (r *Rotator) valid() bool {
	return len(r.state.Slots) == r.size
}

func (r *Rotator) updateMetric() {
	if r.valid() {
		poolSizeMetric.Set(float64(r.size))
	} else {
		poolSizeMetric.Set(0)
	}
}

func (r *Rotator) persist(ctx context.Context) error {
	err := r.kv.Update(ctx, func(tx *store.Tx) error {
		return tx.Put(stateKey, &r.state)
	})
	if err != nil {
		return fmt.Errorf("persisting fee pool: %w", err)
	}
	return nil
}

// Prefetch replaces the pool with n freshly allocated addresses, requested
// one at a time. n must equal the configured pool size. If any allocation
// fails the pool is emptied and routing stays disabled until a later
// Prefetch succeeds.
func (r *Rotator) Prefetch(ctx context.Context, n int) error {
	if n != r.size {
		return fmt.Errorf("%w: requested %d, pool holds exactly %d", ErrInvalidPoolSize, n, r.size)
	}
	ctx, logger := logging.Named(ctx, "feepool")

	r.mu.Lock()
	clientID := r.state.ClientID
	r.mu.Unlock()

	limiter := rate.NewLimiter(rate.Every(r.delay), 1)
	slots := make([]slotRecord, 0, n)
	for i := 0; i < n; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		a, err := r.alloc.Allocate(ctx, clientID)
		if err != nil {
			logger.Warn("address allocation failed", zap.Int("attempt", i+1), zap.Error(err))
			continue
		}
		slots = append(slots, slotRecord{
			Address:   a.Address,
			Index:     int64(a.AddressIndex),
			FetchedAt: r.now().UnixNano(),
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.updateMetric()

	if len(slots) != n {
		r.state.Slots = nil
		if err := r.persist(ctx); err != nil {
			return err
		}
		logger.Warn("fee pool disabled", zap.Int("fetched", len(slots)), zap.Int("want", n))
		return fmt.Errorf("%w: fetched %d of %d addresses", ErrIncompletePool, len(slots), n)
	}
	r.state.Slots = slots
	if err := r.persist(ctx); err != nil {
		r.state.Slots = nil
		return err
	}
	logger.Info("fee pool ready", zap.Int("size", n))
	return nil
}

func (r *Rotator) HasValidPool() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.valid()
}

// NextAddress returns the slot at TotalFeeSolutions mod size.
func (r *Rotator) NextAddress() (Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid() {
		return Slot{}, ErrNoValidPool
	}
	i := r.state.TotalFeeSolutions % uint64(len(r.state.Slots))
	return r.state.Slots[i].slot(), nil
}

// SetPercent changes the share of solutions routed to the pool.
func (r *Rotator) SetPercent(percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("fee percent out of range: %v", percent)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percent = percent
	return nil
}

// Due reports whether the next solution, out of totalSolved so far, should be
// credited to the pool to keep the configured share.
func (r *Rotator) Due(totalSolved uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid() || r.percent <= 0 {
		return false
	}
	target := uint64(float64(totalSolved+1) * r.percent / 100)
	return r.state.TotalFeeSolutions < target
}

// RecordFeeSolution advances the rotation after a solution was credited to address.
func (r *Rotator) RecordFeeSolution(ctx context.Context, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := -1
	for i := range r.state.Slots {
		if r.state.Slots[i].Address == address {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, address)
	}
	r.state.Slots[idx].Used++
	r.state.TotalFeeSolutions++
	if err := r.persist(ctx); err != nil {
		r.state.Slots[idx].Used--
		r.state.TotalFeeSolutions--
		return err
	}
	solutionsMetric.Inc()
	return nil
}

func (r *Rotator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		ClientID:          r.state.ClientID,
		Valid:             r.valid(),
		Size:              r.size,
		TotalFeeSolutions: r.state.TotalFeeSolutions,
		Percent:           r.percent,
	}
	for _, rec := range r.state.Slots {
		s.Slots = append(s.Slots, rec.slot())
	}
	return s
}

func (s *slotRecord) slot() Slot {
	return Slot{
		Address:   s.Address,
		Index:     int(s.Index),
		FetchedAt: time.Unix(0, s.FetchedAt).UTC(),
		Used:      s.Used,
	}
}
