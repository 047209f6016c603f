// Package nonce partitions the 64-bit nonce space between workers.
//
// The most significant byte of every nonce is the worker ID and the remaining
// seven bytes are random, so two workers with different IDs can never produce
// the same candidate.
package nonce

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
)

const (
	// Length is the rendered length of a nonce in hex characters.
	Length = 16

	MaxWorkerID = 255
)

var (
	ErrInvalidWorker = errors.New("worker ID out of range")
	// ErrRenderLength means a rendered nonce did not have exactly Length characters.
	// It indicates a formatting defect in the host and must not be corrected.
	ErrRenderLength = errors.New("rendered nonce has invalid length")
	ErrInvalidNonce = errors.New("invalid nonce")
	ErrInvalidBatch = errors.New("batch size must not be negative")
)

// Generator produces candidates for a single worker. It is not safe for
// concurrent use; every worker session owns its own Generator.
type Generator struct {
	workerID uint64
	rnd      *rand.Rand
	format   func(uint64) string
}

type newGeneratorOptions struct {
	source rand.Source
	format func(uint64) string
}

type newGeneratorOptionFunc func(*newGeneratorOptions)

// WithSource overrides the random source. The source is for collision
// avoidance only and carries no security requirement.
func WithSource(src rand.Source) newGeneratorOptionFunc {
	return func(o *newGeneratorOptions) {
		o.source = src
	}
}

func withFormatter(format func(uint64) string) newGeneratorOptionFunc {
	return func(o *newGeneratorOptions) {
		o.format = format
	}
}

func New(workerID int, opts ...newGeneratorOptionFunc) (*Generator, error) {
	if workerID < 0 || workerID > MaxWorkerID {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorker, workerID)
	}
	options := newGeneratorOptions{
		source: rand.NewPCG(rand.Uint64(), rand.Uint64()),
		format: render,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Generator{
		workerID: uint64(workerID),
		rnd:      rand.New(options.source),
		format:   options.format,
	}, nil
}

func (g *Generator) WorkerID() int {
	return int(g.workerID)
}

// Next returns the next candidate as exactly 16 hex characters.
func (g *Generator) Next() (string, error) {
	v := g.workerID<<56 | g.rnd.Uint64()&(1<<56-1)
	s := g.format(v)
	if len(s) != Length {
		return "", fmt.Errorf("%w: %q (%d chars)", ErrRenderLength, s, len(s))
	}
	return s, nil
}

// Batch returns n consecutive candidates.
func (g *Generator) Batch(n int) ([]string, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBatch, n)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := g.Next()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func render(v uint64) string {
	return fmt.Sprintf("%016x", v)
}

// WorkerOf returns the worker that owns the given nonce.
func WorkerOf(nonce string) (int, error) {
	if len(nonce) != Length {
		return 0, fmt.Errorf("%w: length %d", ErrInvalidNonce, len(nonce))
	}
	if _, err := hex.DecodeString(nonce); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	v, err := strconv.ParseUint(nonce[:2], 16, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	return int(v), nil
}
