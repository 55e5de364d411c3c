package strategy

import (
	"context"
	"testing"
	"time"

	"avi5/internal/core"
	"avi5/internal/exchange"
	"avi5/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func klineEvent(o, h, l, c string, confirm bool) exchange.Event {
	start := time.Now().Add(-10 * time.Minute).UnixMilli()
	return exchange.Event{
		Channel: "kline.5.BTCUSDT",
		Payload: map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{
					"start":   float64(start),
					"end":     float64(start + 5*60*1000),
					"open":    o,
					"high":    h,
					"low":     l,
					"close":   c,
					"volume":  "100",
					"confirm": confirm,
				},
			},
		},
	}
}

func orderbookEvent(bid, ask string) exchange.Event {
	return exchange.Event{
		Channel: "orderbook.50.BTCUSDT",
		Payload: map[string]interface{}{
			"data": map[string]interface{}{
				"b": []interface{}{[]interface{}{bid, "1"}},
				"a": []interface{}{[]interface{}{ask, "1"}},
			},
		},
	}
}

func newTestFeed(t *testing.T, risk RiskChecker) (*Feed, *store.MemorySignalStore) {
	t.Helper()
	signals := store.NewMemorySignalStore()
	feed := NewFeed(newTestEngine(t, risk, signals), testLogger(t))
	feed.Seed("BTCUSDT", scenarioCandles()[:2])
	return feed, signals
}

func TestFeedEmitsSignalOnBarClose(t *testing.T) {
	feed, _ := newTestFeed(t, &recordingRisk{allowed: true})

	var got *core.Signal
	feed.OnSignal = func(ctx context.Context, sig *core.Signal) { got = sig }

	require.NoError(t, feed.HandleEvent(context.Background(), klineEvent("104", "110", "103", "106", true)))

	require.NotNil(t, got)
	assert.Equal(t, core.DirectionLong, got.Direction)
	assert.True(t, got.EntryPrice.Equal(d(106)))
}

func TestFeedIgnoresUnconfirmedBars(t *testing.T) {
	risk := &recordingRisk{allowed: true}
	feed, _ := newTestFeed(t, risk)

	require.NoError(t, feed.HandleEvent(context.Background(), klineEvent("104", "110", "103", "106", false)))

	assert.Zero(t, risk.calls, "interim updates never reach the engine")
	assert.Len(t, feed.windows["BTCUSDT"], 2)
}

func TestFeedDropsInvalidBars(t *testing.T) {
	risk := &recordingRisk{allowed: true}
	feed, _ := newTestFeed(t, risk)

	// Close above high fails candle validation.
	require.NoError(t, feed.HandleEvent(context.Background(), klineEvent("104", "110", "103", "120", true)))

	assert.Zero(t, risk.calls)
	assert.Len(t, feed.windows["BTCUSDT"], 2)
}

func TestFeedSpreadGateBlocksSignals(t *testing.T) {
	feed, _ := newTestFeed(t, &recordingRisk{allowed: true})

	var got *core.Signal
	feed.OnSignal = func(ctx context.Context, sig *core.Signal) { got = sig }

	// Bid 100 / ask 102 is roughly 198 bps, far over the 10 bps cap.
	require.NoError(t, feed.HandleEvent(context.Background(), orderbookEvent("100", "102")))
	require.NoError(t, feed.HandleEvent(context.Background(), klineEvent("104", "110", "103", "106", true)))
	assert.Nil(t, got)

	// A tight book lifts the gate for the next bar.
	require.NoError(t, feed.HandleEvent(context.Background(), orderbookEvent("105.99", "106.01")))
	require.NoError(t, feed.HandleEvent(context.Background(), klineEvent("104", "110", "103", "106", true)))
	assert.NotNil(t, got)
}

func TestFeedIgnoresCrossedBook(t *testing.T) {
	feed, _ := newTestFeed(t, &recordingRisk{allowed: true})

	require.NoError(t, feed.HandleEvent(context.Background(), orderbookEvent("102", "100")))
	assert.Empty(t, feed.spreads, "crossed books are discarded")
}

func TestFeedSeedKeepsOnlyConfirmed(t *testing.T) {
	feed, _ := newTestFeed(t, &recordingRisk{allowed: true})

	candles := scenarioCandles()
	candles[1].Confirmed = false
	feed.Seed("ETHUSDT", candles)

	assert.Len(t, feed.windows["ETHUSDT"], 2)
}

func TestFeedWindowCapped(t *testing.T) {
	feed, _ := newTestFeed(t, &recordingRisk{allowed: false})

	seed := make([]core.ConfirmedCandle, defaultWindowCap)
	for i := range seed {
		seed[i] = scenarioCandles()[0]
	}
	feed.Seed("BTCUSDT", seed)

	require.NoError(t, feed.HandleEvent(context.Background(), klineEvent("100", "101", "99", "100", true)))

	assert.Len(t, feed.windows["BTCUSDT"], defaultWindowCap)
}

func TestFeedIgnoresUnknownChannels(t *testing.T) {
	feed, _ := newTestFeed(t, &recordingRisk{allowed: true})
	require.NoError(t, feed.HandleEvent(context.Background(), exchange.Event{
		Channel: "tickers.BTCUSDT",
		Payload: map[string]interface{}{"data": map[string]interface{}{}},
	}))
}
