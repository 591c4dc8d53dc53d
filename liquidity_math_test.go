package backtester

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiquidityEquivalentRegimes(t *testing.T) {
	const l = 1000.0

	t.Run("price above range", func(t *testing.T) {
		token0, token1 := LiquidityEquivalent(l, 90, 110, 115)
		assert.Zero(t, token0)
		assert.InDelta(t, l*(math.Sqrt(110)-math.Sqrt(90)), token1, delta)
	})

	t.Run("price below range", func(t *testing.T) {
		token0, token1 := LiquidityEquivalent(l, 90, 110, 85)
		assert.InDelta(t, l*(1/math.Sqrt(90)-1/math.Sqrt(110)), token0, delta)
		assert.Zero(t, token1)
	})

	t.Run("price inside range", func(t *testing.T) {
		token0, token1 := LiquidityEquivalent(l, 90, 110, 100)
		assert.InDelta(t, l*(1/math.Sqrt(100)-1/math.Sqrt(110)), token0, delta)
		assert.InDelta(t, l*(math.Sqrt(100)-math.Sqrt(90)), token1, delta)
	})

	t.Run("boundaries agree", func(t *testing.T) {
		// The piecewise branches join continuously at the range edges.
		atUpper0, atUpper1 := LiquidityEquivalent(l, 90, 110, 110)
		assert.Zero(t, atUpper0)
		assert.InDelta(t, l*(math.Sqrt(110)-math.Sqrt(90)), atUpper1, delta)

		atLower0, atLower1 := LiquidityEquivalent(l, 90, 110, 90)
		assert.InDelta(t, l*(1/math.Sqrt(90)-1/math.Sqrt(110)), atLower0, delta)
		assert.Zero(t, atLower1)
	})
}

func TestLiquidityForValueInversion(t *testing.T) {
	// The minted liquidity must be worth exactly the requested amount in the
	// funding token at the prevailing price.
	cases := []struct {
		name         string
		lower, upper float64
		price        float64
		token        Token
	}{
		{"below range token0", 120, 140, 100, Token0},
		{"above range token1", 50, 70, 100, Token1},
		{"in range token0", 90, 110, 100, Token0},
		{"in range token1", 90, 110, 100, Token1},
		{"price at lower", 100, 110, 100, Token1},
		{"price at upper", 90, 100, 100, Token1},
	}
	const amount = 250.0
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := LiquidityForValue(amount, tc.token, tc.lower, tc.upper, tc.price)
			require.NoError(t, err)
			require.Greater(t, l, 0.0)

			token0, token1 := LiquidityEquivalent(l, tc.lower, tc.upper, tc.price)
			var value float64
			if tc.token == Token0 {
				value = token0 + token1/tc.price
			} else {
				value = token1 + token0*tc.price
			}
			assert.InDelta(t, amount, value, 1e-9)
		})
	}
}

func TestLiquidityForValueWrongSide(t *testing.T) {
	_, err := LiquidityForValue(100, Token1, 120, 140, 100)
	assert.ErrorIs(t, err, ErrInvalidMintSide)

	_, err = LiquidityForValue(100, Token0, 50, 70, 100)
	assert.ErrorIs(t, err, ErrInvalidMintSide)
}

func TestFeeTierPercent(t *testing.T) {
	assert.InDelta(t, 0.05, FeeTierPercent(500), delta)
	assert.InDelta(t, 0.3, FeeTierPercent(3000), delta)
	assert.InDelta(t, 1.0, FeeTierPercent(10000), delta)
}
