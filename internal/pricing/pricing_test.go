package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConverter(t *testing.T) {
	_, err := NewConverter(0)
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = NewConverter(-10)
	assert.ErrorIs(t, err, ErrInvalidRate)

	c, err := NewConverter(150)
	require.NoError(t, err)
	assert.Equal(t, 150.0, c.Rate())
}

func TestConversionRoundTrip(t *testing.T) {
	c, err := NewConverter(150)
	require.NoError(t, err)

	// 2 SOL at $150/SOL = $300
	assert.Equal(t, 300.0, c.LamportsToUSD(2*LamportsPerSOL))
	assert.Equal(t, int64(2*LamportsPerSOL), c.USDToLamports(300))

	// Sub-SOL amounts round to the nearest lamport
	assert.Equal(t, int64(LamportsPerSOL/2), c.USDToLamports(75))
}

func TestRoyalty(t *testing.T) {
	assert.Equal(t, 300.0, Royalty(10000))
	assert.Equal(t, 270.0, Royalty(9000))
	assert.Equal(t, 0.0, Royalty(0))
}

func TestSplit(t *testing.T) {
	seller, fee := Split(1_000_000_000)
	assert.Equal(t, int64(970_000_000), seller)
	assert.Equal(t, int64(30_000_000), fee)
	assert.Equal(t, int64(1_000_000_000), seller+fee)

	// Odd amounts: fee rounds down, seller keeps the remainder
	seller, fee = Split(101)
	assert.Equal(t, int64(3), fee)
	assert.Equal(t, int64(98), seller)
}
