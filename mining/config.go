package mining

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/nightminer/harvester/logging"
	"github.com/nightminer/harvester/nonce"
	"github.com/nightminer/harvester/store"
)

var ErrInvalidConfig = errors.New("invalid mining config")

var configKey = store.Key("mining", "config")

// Config holds the tunables changed by the operator at runtime.
type Config struct {
	Workers   int `json:"workers"`
	BatchSize int `json:"batch_size"`
	// WorkersPerAddress groups consecutive workers on one mining address.
	WorkersPerAddress   int     `json:"workers_per_address"`
	AddressCount        int     `json:"address_count"`
	MinMinutesRemaining int     `json:"min_minutes_remaining"`
	PreferEasier        bool    `json:"prefer_easier"`
	FeePercent          float64 `json:"fee_percent"`
}

func DefaultConfig() Config {
	return Config{
		Workers:             4,
		BatchSize:           10000,
		WorkersPerAddress:   1,
		AddressCount:        4,
		MinMinutesRemaining: 30,
		PreferEasier:        true,
		FeePercent:          5,
	}
}

func (c *Config) Validate() error {
	switch {
	case c.Workers < 1 || c.Workers > nonce.MaxWorkerID+1:
		return fmt.Errorf("%w: workers must be in [1, %d], got %d", ErrInvalidConfig, nonce.MaxWorkerID+1, c.Workers)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	case c.WorkersPerAddress < 1:
		return fmt.Errorf("%w: workers per address must be positive, got %d", ErrInvalidConfig, c.WorkersPerAddress)
	case c.AddressCount < 1:
		return fmt.Errorf("%w: address count must be positive, got %d", ErrInvalidConfig, c.AddressCount)
	case c.MinMinutesRemaining < 0:
		return fmt.Errorf("%w: minimum minutes remaining must not be negative, got %d", ErrInvalidConfig, c.MinMinutesRemaining)
	case c.FeePercent < 0 || c.FeePercent > 100:
		return fmt.Errorf("%w: fee percent must be in [0, 100], got %v", ErrInvalidConfig, c.FeePercent)
	}
	return nil
}

// AddressIndex is the mining address of worker.
func (c *Config) AddressIndex(worker int) int {
	return (worker / c.WorkersPerAddress) % c.AddressCount
}

type configRecord struct {
	Workers             uint32
	BatchSize           uint32
	WorkersPerAddress   uint32
	AddressCount        uint32
	MinMinutesRemaining uint32
	PreferEasier        bool
	// FeeBasisPoints is FeePercent in hundredths of a percent.
	FeeBasisPoints uint32
}

func (c *Config) record() *configRecord {
	return &configRecord{
		Workers:             uint32(c.Workers),
		BatchSize:           uint32(c.BatchSize),
		WorkersPerAddress:   uint32(c.WorkersPerAddress),
		AddressCount:        uint32(c.AddressCount),
		MinMinutesRemaining: uint32(c.MinMinutesRemaining),
		PreferEasier:        c.PreferEasier,
		FeeBasisPoints:      uint32(math.Round(c.FeePercent * 100)),
	}
}

func (r *configRecord) config() Config {
	return Config{
		Workers:             int(r.Workers),
		BatchSize:           int(r.BatchSize),
		WorkersPerAddress:   int(r.WorkersPerAddress),
		AddressCount:        int(r.AddressCount),
		MinMinutesRemaining: int(r.MinMinutesRemaining),
		PreferEasier:        r.PreferEasier,
		FeePercent:          float64(r.FeeBasisPoints) / 100,
	}
}

// ConfigStore hands out the persisted Config. A mutation is visible only
// once it has been written to the store.
type ConfigStore struct {
	kv *store.KV

	mu  sync.RWMutex
	cur Config
}

// LoadConfigStore reads the stored config, storing the defaults on first use.
func LoadConfigStore(ctx context.Context, kv *store.KV) (*ConfigStore, error) {
	s := &ConfigStore{kv: kv}
	var rec configRecord
	err := kv.Get(configKey, &rec)
	switch {
	case store.IsNotFound(err):
		s.cur = DefaultConfig()
		if err := kv.Put(configKey, s.cur.record()); err != nil {
			return nil, fmt.Errorf("storing default mining config: %w", err)
		}
		logging.FromContext(ctx).Info("stored default mining config")
	case err != nil:
		return nil, fmt.Errorf("loading mining config: %w", err)
	default:
		s.cur = rec.config()
		if err := s.cur.Validate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *ConfigStore) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update applies fn to a copy of the config and persists the result. On any
// error the active config is unchanged.
func (s *ConfigStore) Update(ctx context.Context, fn func(*Config)) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur
	fn(&next)
	if err := next.Validate(); err != nil {
		return s.cur, err
	}
	err := s.kv.Update(ctx, func(tx *store.Tx) error {
		return tx.Put(configKey, next.record())
	})
	if err != nil {
		return s.cur, fmt.Errorf("storing mining config: %w", err)
	}
	s.cur = next
	logging.FromContext(ctx).Info("mining config updated", zap.Any("config", next))
	return next, nil
}
