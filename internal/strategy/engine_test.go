package strategy

import (
	"context"
	"testing"
	"time"

	"avi5/internal/core"
	"avi5/internal/store"
	"avi5/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func testLogger(t *testing.T) core.ILogger {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return logger
}

type fixedTheta struct{ theta decimal.Decimal }

func (f fixedTheta) Theta(ctx context.Context, hour int) decimal.Decimal { return f.theta }

type recordingRisk struct {
	allowed bool
	reason  string
	calls   int
}

func (r *recordingRisk) Check(ctx context.Context, sig *core.Signal) (bool, string, error) {
	r.calls++
	return r.allowed, r.reason, nil
}

func scenarioCandles() []core.ConfirmedCandle {
	mk := func(o, h, l, c float64) core.ConfirmedCandle {
		return core.ConfirmedCandle{
			Symbol:    "BTCUSDT",
			Interval:  "5",
			Open:      d(o),
			High:      d(h),
			Low:       d(l),
			Close:     d(c),
			Volume:    d(100),
			Confirmed: true,
		}
	}
	return []core.ConfirmedCandle{
		mk(100, 101, 99, 100),
		mk(100, 104, 99, 100),
		mk(104, 110, 103, 106),
	}
}

func newTestEngine(t *testing.T, risk RiskChecker, signals core.SignalRepository) *Engine {
	t.Helper()
	e := NewEngine(EngineConfig{
		ATRWindow:     2,
		ATRMultiplier: d(2),
		MaxStake:      d(100),
	}, risk, signals, fixedTheta{theta: d(0.3)}, testLogger(t))

	// Pin indicator outputs so the geometry is exact.
	e.atrFn = func(candles []core.ConfirmedCandle, period int) (decimal.Decimal, error) {
		return d(10), nil
	}
	e.donchianFn = func(candles []core.ConfirmedCandle, window int) (decimal.Decimal, decimal.Decimal, error) {
		return d(105), d(95), nil
	}
	return e
}

func TestEngineLongBreakoutGeometry(t *testing.T) {
	signals := store.NewMemorySignalStore()
	risk := &recordingRisk{allowed: true}
	e := newTestEngine(t, risk, signals)

	sig, err := e.Evaluate(context.Background(), scenarioCandles(), true, nil)
	require.NoError(t, err)
	require.NotNil(t, sig)

	// Close 106 breaks the 105 upper band; R = 2 * 10 = 20.
	assert.Equal(t, core.DirectionLong, sig.Direction)
	assert.True(t, sig.EntryPrice.Equal(d(106)))
	assert.True(t, sig.StopLoss.Equal(d(86)))
	assert.True(t, sig.TP1.Equal(d(126)))
	assert.True(t, sig.TP2.Equal(d(146)))
	assert.True(t, sig.TP3.Equal(d(166)))
	assert.True(t, sig.Stake.Equal(d(30)))
	assert.True(t, sig.Probability.Equal(d(0.3)))
	assert.Equal(t, core.SignalStatusNew, sig.Status)

	stored, err := signals.GetByID(context.Background(), sig.ID)
	require.NoError(t, err)
	assert.Equal(t, sig.Symbol, stored.Symbol)
}

func TestEngineLongBreakoutWithRealIndicators(t *testing.T) {
	signals := store.NewMemorySignalStore()
	risk := &recordingRisk{allowed: true}
	e := NewEngine(EngineConfig{
		ATRWindow:     2,
		ATRMultiplier: d(2),
		MaxStake:      d(100),
	}, risk, signals, fixedTheta{theta: d(0.3)}, testLogger(t))

	sig, err := e.Evaluate(context.Background(), scenarioCandles(), true, nil)
	require.NoError(t, err)
	require.NotNil(t, sig, "close 106 clears the 104 channel built from the prior bars")

	assert.Equal(t, core.DirectionLong, sig.Direction)
	assert.True(t, sig.EntryPrice.Equal(d(106)))
	// TRs are 5 and 10, so ATR(2) = 25/3 and R = 50/3.
	assert.InDelta(t, 50.0/3.0, sig.RiskAmount.InexactFloat64(), 1e-9)
	assert.InDelta(t, 106-50.0/3.0, sig.StopLoss.InexactFloat64(), 1e-9)
	assert.InDelta(t, 106+50.0/3.0, sig.TP1.InexactFloat64(), 1e-9)
}

func TestEngineShortBreakdownWithRealIndicators(t *testing.T) {
	signals := store.NewMemorySignalStore()
	risk := &recordingRisk{allowed: true}
	e := NewEngine(EngineConfig{
		ATRWindow:     2,
		ATRMultiplier: d(2),
		MaxStake:      d(100),
	}, risk, signals, fixedTheta{theta: d(0.3)}, testLogger(t))

	mk := func(o, h, l, c float64) core.ConfirmedCandle {
		return core.ConfirmedCandle{
			Symbol: "BTCUSDT", Interval: "5",
			Open: d(o), High: d(h), Low: d(l), Close: d(c),
			Volume: d(100), Confirmed: true,
		}
	}
	candles := []core.ConfirmedCandle{
		mk(100, 101, 99, 100),
		mk(100, 101, 95, 96),
		mk(96, 97, 90, 92),
	}

	sig, err := e.Evaluate(context.Background(), candles, true, nil)
	require.NoError(t, err)
	require.NotNil(t, sig, "close 92 falls through the 95 channel built from the prior bars")

	assert.Equal(t, core.DirectionShort, sig.Direction)
	assert.True(t, sig.EntryPrice.Equal(d(92)))
	// TRs are 6 and 7, so ATR(2) = 20/3 and R = 40/3.
	assert.InDelta(t, 40.0/3.0, sig.RiskAmount.InexactFloat64(), 1e-9)
	assert.InDelta(t, 92+40.0/3.0, sig.StopLoss.InexactFloat64(), 1e-9)
}

func TestEngineRiskDenialDropsSignal(t *testing.T) {
	signals := store.NewMemorySignalStore()
	risk := &recordingRisk{allowed: false, reason: "max_concurrent"}
	e := newTestEngine(t, risk, signals)

	sig, err := e.Evaluate(context.Background(), scenarioCandles(), true, nil)
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.Equal(t, 1, risk.calls, "risk gate consulted exactly once")

	listed, err := signals.ListCreatedAfter(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, listed, "denied signals are not persisted")
}

func TestEngineNoBreakoutNoSignal(t *testing.T) {
	signals := store.NewMemorySignalStore()
	risk := &recordingRisk{allowed: true}
	e := newTestEngine(t, risk, signals)

	candles := scenarioCandles()
	candles[2].Close = d(104) // inside the channel

	sig, err := e.Evaluate(context.Background(), candles, true, nil)
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.Zero(t, risk.calls)
}

func TestEnginePreconditions(t *testing.T) {
	signals := store.NewMemorySignalStore()
	risk := &recordingRisk{allowed: true}
	e := newTestEngine(t, risk, signals)
	ctx := context.Background()

	t.Run("short window", func(t *testing.T) {
		sig, err := e.Evaluate(ctx, scenarioCandles()[:2], true, nil)
		require.NoError(t, err)
		assert.Nil(t, sig)
	})

	t.Run("wide spread", func(t *testing.T) {
		sig, err := e.Evaluate(ctx, scenarioCandles(), false, nil)
		require.NoError(t, err)
		assert.Nil(t, sig)
	})

	t.Run("funding window", func(t *testing.T) {
		minutes := 5
		sig, err := e.Evaluate(ctx, scenarioCandles(), true, &minutes)
		require.NoError(t, err)
		assert.Nil(t, sig)
	})

	t.Run("unconfirmed last candle", func(t *testing.T) {
		candles := scenarioCandles()
		candles[2].Confirmed = false
		sig, err := e.Evaluate(ctx, candles, true, nil)
		require.NoError(t, err)
		assert.Nil(t, sig)
	})
}

func TestEngineShortGeometryGuard(t *testing.T) {
	signals := store.NewMemorySignalStore()
	risk := &recordingRisk{allowed: true}
	e := newTestEngine(t, risk, signals)

	// Short setup: close below lower band which is at or above prev close.
	candles := scenarioCandles()
	candles[1].Close = d(95)
	candles[2].Close = d(50)

	// R = 20 makes TP3 = 50 - 60 = -10, which is rejected.
	sig, err := e.Evaluate(context.Background(), candles, true, nil)
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.Zero(t, risk.calls, "geometry rejection precedes the risk gate")
}
