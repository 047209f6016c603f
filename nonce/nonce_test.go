package nonce

import (
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_RejectsOutOfRangeWorker(t *testing.T) {
	t.Parallel()
	for _, id := range []int{-1, 256, 1000} {
		_, err := New(id)
		require.ErrorIs(t, err, ErrInvalidWorker, "worker %d", id)
	}
	for _, id := range []int{0, 1, 128, 255} {
		_, err := New(id)
		require.NoError(t, err, "worker %d", id)
	}
}

func TestGenerator_TopByteIsWorker(t *testing.T) {
	t.Parallel()
	seen := make(map[string]int)
	for id := 0; id <= MaxWorkerID; id += 15 {
		g, err := New(id)
		require.NoError(t, err)

		nonces, err := g.Batch(64)
		require.NoError(t, err)
		for _, n := range nonces {
			require.Len(t, n, Length)
			owner, err := WorkerOf(n)
			require.NoError(t, err)
			require.Equal(t, id, owner)

			if prev, ok := seen[n]; ok {
				require.Equal(t, id, prev, "nonce %s produced by two workers", n)
			}
			seen[n] = id
		}
	}
}

func TestGenerator_SmallValuesArePadded(t *testing.T) {
	t.Parallel()
	// A source that always yields zero exercises the leading-zero padding.
	g, err := New(0, WithSource(zeroSource{}))
	require.NoError(t, err)

	n, err := g.Next()
	require.NoError(t, err)
	require.Equal(t, "0000000000000000", n)

	v, err := strconv.ParseUint(n, 16, 64)
	require.NoError(t, err)
	require.Zero(t, v)
}

func TestGenerator_RenderDefectIsFatal(t *testing.T) {
	t.Parallel()
	g, err := New(3, withFormatter(func(v uint64) string { return strconv.FormatUint(v, 16) }), WithSource(zeroSource{}))
	require.NoError(t, err)

	// 0x03 << 56 renders without the leading zero: 15 characters.
	_, err = g.Next()
	require.ErrorIs(t, err, ErrRenderLength)

	_, err = g.Batch(4)
	require.ErrorIs(t, err, ErrRenderLength)
}

func TestGenerator_Deterministic(t *testing.T) {
	t.Parallel()
	a, err := New(9, WithSource(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	b, err := New(9, WithSource(rand.NewPCG(1, 2)))
	require.NoError(t, err)

	na, err := a.Batch(8)
	require.NoError(t, err)
	nb, err := b.Batch(8)
	require.NoError(t, err)
	require.Equal(t, na, nb)
}

func TestGenerator_BatchSize(t *testing.T) {
	t.Parallel()
	g, err := New(1)
	require.NoError(t, err)

	_, err = g.Batch(-1)
	require.ErrorIs(t, err, ErrInvalidBatch)

	nonces, err := g.Batch(0)
	require.NoError(t, err)
	require.Empty(t, nonces)
}

func TestWorkerOf_Invalid(t *testing.T) {
	t.Parallel()
	for _, n := range []string{"", "abc", "zz00000000000000", "00000000000000000"} {
		_, err := WorkerOf(n)
		require.ErrorIs(t, err, ErrInvalidNonce, "nonce %q", n)
	}
}

type zeroSource struct{}

func (zeroSource) Uint64() uint64 { return 0 }
