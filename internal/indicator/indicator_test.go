package indicator

import (
	"testing"

	"avi5/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func candle(h, l, c float64) core.ConfirmedCandle {
	return core.ConfirmedCandle{
		Symbol:    "BTCUSDT",
		Open:      d(c),
		High:      d(h),
		Low:       d(l),
		Close:     d(c),
		Volume:    d(100),
		Confirmed: true,
	}
}

func TestEMA(t *testing.T) {
	t.Run("constant series yields the constant", func(t *testing.T) {
		values := []decimal.Decimal{d(42), d(42), d(42), d(42)}
		ema, err := EMA(values, 3)
		require.NoError(t, err)
		assert.True(t, ema.Equal(d(42)), "got %s", ema)
	})

	t.Run("period one tracks the last value", func(t *testing.T) {
		// alpha = 2/(1+1) = 1, so every step replaces the accumulator.
		ema, err := EMA([]decimal.Decimal{d(1), d(2), d(7)}, 1)
		require.NoError(t, err)
		assert.True(t, ema.Equal(d(7)), "got %s", ema)
	})

	t.Run("stays within the value range", func(t *testing.T) {
		ema, err := EMA([]decimal.Decimal{d(10), d(20), d(30)}, 2)
		require.NoError(t, err)
		assert.True(t, ema.GreaterThanOrEqual(d(10)))
		assert.True(t, ema.LessThanOrEqual(d(30)))
	})

	t.Run("rejects bad inputs", func(t *testing.T) {
		_, err := EMA([]decimal.Decimal{d(1)}, 0)
		assert.Error(t, err)
		_, err = EMA([]decimal.Decimal{d(1)}, 2)
		assert.Error(t, err)
	})
}

func TestATR(t *testing.T) {
	t.Run("uniform true range yields that range", func(t *testing.T) {
		// Every pair has TR = 10, so any smoothing returns 10.
		candles := []core.ConfirmedCandle{
			candle(105, 95, 100),
			candle(110, 100, 105),
			candle(105, 95, 100),
			candle(110, 100, 105),
		}
		atr, err := ATR(candles, 3)
		require.NoError(t, err)
		assert.True(t, atr.Equal(d(10)), "got %s", atr)
	})

	t.Run("gap beyond the bar range uses close-to-extreme", func(t *testing.T) {
		// Second bar: H-L=2 but |L-prevClose| = |108-100| = 8.
		candles := []core.ConfirmedCandle{
			candle(101, 99, 100),
			candle(110, 108, 109),
		}
		atr, err := ATR(candles, 1)
		require.NoError(t, err)
		assert.True(t, atr.Equal(d(10)), "got %s", atr) // |110-100| = 10 dominates
	})

	t.Run("needs period plus one candles", func(t *testing.T) {
		_, err := ATR([]core.ConfirmedCandle{candle(1, 1, 1)}, 1)
		assert.Error(t, err)
	})
}

func TestDonchian(t *testing.T) {
	candles := []core.ConfirmedCandle{
		candle(100, 90, 95),
		candle(120, 85, 100),
		candle(110, 95, 105),
	}

	upper, lower, err := Donchian(candles, 3)
	require.NoError(t, err)
	assert.True(t, upper.Equal(d(120)))
	assert.True(t, lower.Equal(d(85)))

	// Window 2 ignores the first candle.
	upper, lower, err = Donchian(candles, 2)
	require.NoError(t, err)
	assert.True(t, upper.Equal(d(120)))
	assert.True(t, lower.Equal(d(85)))

	_, _, err = Donchian(candles, 4)
	assert.Error(t, err)
}

func TestVWAP(t *testing.T) {
	t.Run("single bar returns its close", func(t *testing.T) {
		c := candle(10, 5, 7)
		c.Volume = decimal.Zero
		v, err := VWAP([]core.ConfirmedCandle{c})
		require.NoError(t, err)
		assert.True(t, v.Equal(d(7)))
	})

	t.Run("weights by volume", func(t *testing.T) {
		a := candle(0, 0, 10)
		a.Volume = d(1)
		b := candle(0, 0, 20)
		b.Volume = d(3)
		v, err := VWAP([]core.ConfirmedCandle{a, b})
		require.NoError(t, err)
		// (10*1 + 20*3) / 4 = 17.5
		assert.True(t, v.Equal(d(17.5)), "got %s", v)
	})

	t.Run("zero total volume over multiple bars fails", func(t *testing.T) {
		a := candle(0, 0, 10)
		a.Volume = decimal.Zero
		b := candle(0, 0, 20)
		b.Volume = decimal.Zero
		_, err := VWAP([]core.ConfirmedCandle{a, b})
		assert.Error(t, err)
	})

	t.Run("negative volume fails", func(t *testing.T) {
		a := candle(0, 0, 10)
		a.Volume = d(-1)
		_, err := VWAP([]core.ConfirmedCandle{a})
		assert.Error(t, err)
	})
}

func TestMicroprice(t *testing.T) {
	// Heavier bid queue pulls the microprice toward the ask.
	mp, err := Microprice(d(100), d(101), d(9), d(1))
	require.NoError(t, err)
	// (101*9 + 100*1) / 10 = 100.9
	assert.True(t, mp.Equal(d(100.9)), "got %s", mp)

	_, err = Microprice(d(101), d(100), d(1), d(1))
	assert.Error(t, err, "crossed book")

	_, err = Microprice(d(100), d(101), d(0), d(1))
	assert.Error(t, err, "empty queue")
}

func TestImbalance(t *testing.T) {
	bids := []core.BookLevel{{Price: d(100), Size: d(3)}, {Price: d(99), Size: d(3)}}
	asks := []core.BookLevel{{Price: d(101), Size: d(2)}, {Price: d(102), Size: d(10)}}

	// Depth 1: 3 / (3+2) = 0.6
	im, err := Imbalance(bids, asks, 1)
	require.NoError(t, err)
	assert.True(t, im.Equal(d(0.6)), "got %s", im)

	// Depth 2: 6 / (6+12) = 1/3
	im, err = Imbalance(bids, asks, 2)
	require.NoError(t, err)
	assert.True(t, im.Equal(decimal.NewFromInt(1).Div(decimal.NewFromInt(3))), "got %s", im)

	_, err = Imbalance(nil, asks, 1)
	assert.Error(t, err)
}
