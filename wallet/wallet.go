// Package wallet is the boundary to the external key-holding capability and
// keeps the per-project registration status of derived addresses.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/nightminer/harvester/logging"
)

var (
	ErrUnknownIndex       = errors.New("unknown address index")
	ErrSigningUnsupported = errors.New("wallet cannot sign")
)

type Address struct {
	Index     int    `json:"index"`
	Bech32    string `json:"address"`
	PubKeyHex string `json:"pubkey"`
}

// Wallet derives addresses and signs messages. Keys never leave it.
type Wallet interface {
	DeriveAddress(ctx context.Context, index int) (Address, error)
	Sign(ctx context.Context, index int, message string) (string, error)
}

// caching memoizes derivations of its Wallet.
type caching struct {
	cache  *lru.Cache
	wallet Wallet
}

func (c *caching) DeriveAddress(ctx context.Context, index int) (Address, error) {
	if addr, ok := c.cache.Get(index); ok {
		// Only Address values are inserted.
		return addr.(Address), nil
	}
	addr, err := c.wallet.DeriveAddress(ctx, index)
	if err != nil {
		return Address{}, err
	}
	logging.FromContext(ctx).Debug("derived address", zap.Int("index", index), zap.String("address", addr.Bech32))
	c.cache.Add(index, addr)
	return addr, nil
}

func (c *caching) Sign(ctx context.Context, index int, message string) (string, error) {
	return c.wallet.Sign(ctx, index, message)
}

func NewCaching(size int, w Wallet) (Wallet, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &caching{cache: cache, wallet: w}, nil
}

// Static is an address book exported from a wallet. It resolves addresses
// but cannot sign.
type Static struct {
	addresses map[int]Address
}

func NewStatic(addresses []Address) *Static {
	s := &Static{addresses: make(map[int]Address, len(addresses))}
	for _, a := range addresses {
		s.addresses[a.Index] = a
	}
	return s
}

// LoadStatic reads a JSON array of addresses.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading address book: %w", err)
	}
	var addresses []Address
	if err := json.Unmarshal(data, &addresses); err != nil {
		return nil, fmt.Errorf("parsing address book %s: %w", path, err)
	}
	return NewStatic(addresses), nil
}

func (s *Static) DeriveAddress(_ context.Context, index int) (Address, error) {
	addr, ok := s.addresses[index]
	if !ok {
		return Address{}, fmt.Errorf("%w: %d", ErrUnknownIndex, index)
	}
	return addr, nil
}

func (s *Static) Sign(context.Context, int, string) (string, error) {
	return "", ErrSigningUnsupported
}

// Len is the number of known addresses.
func (s *Static) Len() int {
	return len(s.addresses)
}
