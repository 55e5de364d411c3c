// Package indicator provides pure decimal indicator functions used by the
// strategy engine.
package indicator

import (
	"fmt"

	"avi5/internal/core"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// EMA computes an exponential moving average with alpha = 2/(period+1),
// seeded from the first value.
func EMA(values []decimal.Decimal, period int) (decimal.Decimal, error) {
	if period <= 0 {
		return decimal.Zero, fmt.Errorf("ema: period must be positive, got %d", period)
	}
	if len(values) < period {
		return decimal.Zero, fmt.Errorf("ema: need at least %d values, got %d", period, len(values))
	}

	alpha := two.Div(decimal.NewFromInt(int64(period) + 1))
	oneMinusAlpha := decimal.NewFromInt(1).Sub(alpha)

	ema := values[0]
	for _, v := range values[1:] {
		ema = alpha.Mul(v).Add(oneMinusAlpha.Mul(ema))
	}
	return ema, nil
}

// ATR computes the Wilder average true range: true ranges over consecutive
// candle pairs smoothed with EMA(period).
func ATR(candles []core.ConfirmedCandle, period int) (decimal.Decimal, error) {
	if period <= 0 {
		return decimal.Zero, fmt.Errorf("atr: period must be positive, got %d", period)
	}
	if len(candles) < period+1 {
		return decimal.Zero, fmt.Errorf("atr: need at least %d candles, got %d", period+1, len(candles))
	}

	trs := make([]decimal.Decimal, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		cur, prev := candles[i], candles[i-1]
		tr := cur.High.Sub(cur.Low)
		if hc := cur.High.Sub(prev.Close).Abs(); hc.GreaterThan(tr) {
			tr = hc
		}
		if lc := cur.Low.Sub(prev.Close).Abs(); lc.GreaterThan(tr) {
			tr = lc
		}
		trs = append(trs, tr)
	}
	return EMA(trs, period)
}

// Donchian returns (max high, min low) over the last window candles.
func Donchian(candles []core.ConfirmedCandle, window int) (decimal.Decimal, decimal.Decimal, error) {
	if window <= 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("donchian: window must be positive, got %d", window)
	}
	if len(candles) < window {
		return decimal.Zero, decimal.Zero, fmt.Errorf("donchian: need at least %d candles, got %d", window, len(candles))
	}

	slice := candles[len(candles)-window:]
	upper, lower := slice[0].High, slice[0].Low
	for _, c := range slice[1:] {
		if c.High.GreaterThan(upper) {
			upper = c.High
		}
		if c.Low.LessThan(lower) {
			lower = c.Low
		}
	}
	return upper, lower, nil
}

// VWAP computes the volume-weighted average close. A single bar yields its
// close regardless of volume; zero total volume over multiple bars and
// negative volumes are errors.
func VWAP(candles []core.ConfirmedCandle) (decimal.Decimal, error) {
	if len(candles) == 0 {
		return decimal.Zero, fmt.Errorf("vwap: no candles")
	}
	for _, c := range candles {
		if c.Volume.IsNegative() {
			return decimal.Zero, fmt.Errorf("vwap: negative volume on %s", c.Symbol)
		}
	}
	if len(candles) == 1 {
		return candles[0].Close, nil
	}

	var weighted, total decimal.Decimal
	for _, c := range candles {
		weighted = weighted.Add(c.Close.Mul(c.Volume))
		total = total.Add(c.Volume)
	}
	if total.IsZero() {
		return decimal.Zero, fmt.Errorf("vwap: zero total volume over %d candles", len(candles))
	}
	return weighted.Div(total), nil
}

// Microprice computes (ask·bq + bid·aq)/(bq+aq). Requires bid < ask and
// positive queue sizes.
func Microprice(bid, ask, bidQty, askQty decimal.Decimal) (decimal.Decimal, error) {
	if !bidQty.IsPositive() || !askQty.IsPositive() {
		return decimal.Zero, fmt.Errorf("microprice: quantities must be positive")
	}
	if !bid.LessThan(ask) {
		return decimal.Zero, fmt.Errorf("microprice: bid %s must be below ask %s", bid, ask)
	}
	num := ask.Mul(bidQty).Add(bid.Mul(askQty))
	return num.Div(bidQty.Add(askQty)), nil
}

// Imbalance computes bid-side volume share over the first depth levels of
// each side. Both sides must be non-empty after slicing.
func Imbalance(bids, asks []core.BookLevel, depth int) (decimal.Decimal, error) {
	if depth <= 0 {
		return decimal.Zero, fmt.Errorf("imbalance: depth must be positive, got %d", depth)
	}
	if len(bids) > depth {
		bids = bids[:depth]
	}
	if len(asks) > depth {
		asks = asks[:depth]
	}
	if len(bids) == 0 || len(asks) == 0 {
		return decimal.Zero, fmt.Errorf("imbalance: both sides must be non-empty")
	}

	var bidSum, askSum decimal.Decimal
	for _, l := range bids {
		bidSum = bidSum.Add(l.Size)
	}
	for _, l := range asks {
		askSum = askSum.Add(l.Size)
	}
	total := bidSum.Add(askSum)
	if total.IsZero() {
		return decimal.Zero, fmt.Errorf("imbalance: zero total volume")
	}
	return bidSum.Div(total), nil
}
