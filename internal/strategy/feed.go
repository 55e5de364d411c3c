package strategy

import (
	"context"
	"strings"
	"sync"

	"avi5/internal/core"
	"avi5/internal/exchange"

	"github.com/shopspring/decimal"
)

const (
	defaultWindowCap    = 500
	defaultMaxSpreadBps = 10
)

// Feed assembles confirmed candles from websocket kline events, tracks the
// spread from orderbook events, and drives the engine on every bar close.
type Feed struct {
	engine       *Engine
	logger       core.ILogger
	maxSpreadBps decimal.Decimal

	// OnSignal, when set, receives every persisted signal. Live deployments
	// hand signals to the order manager here; research mode leaves it nil.
	OnSignal func(ctx context.Context, sig *core.Signal)

	mu      sync.Mutex
	windows map[string][]core.ConfirmedCandle
	spreads map[string]decimal.Decimal // spread in bps per symbol
}

// NewFeed creates a feed in front of the engine.
func NewFeed(engine *Engine, logger core.ILogger) *Feed {
	return &Feed{
		engine:       engine,
		logger:       logger.WithField("component", "market_feed"),
		maxSpreadBps: decimal.NewFromInt(defaultMaxSpreadBps),
		windows:      make(map[string][]core.ConfirmedCandle),
		spreads:      make(map[string]decimal.Decimal),
	}
}

// Seed pre-populates a symbol's window, typically from a REST snapshot.
func (f *Feed) Seed(symbol string, candles []core.ConfirmedCandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := make([]core.ConfirmedCandle, 0, len(candles))
	for _, c := range candles {
		if c.Confirmed {
			w = append(w, c)
		}
	}
	f.windows[symbol] = w
}

// HandleEvent routes one websocket event. Kline bar closes trigger an
// engine evaluation; orderbook updates refresh the spread estimate.
func (f *Feed) HandleEvent(ctx context.Context, ev exchange.Event) error {
	switch {
	case strings.HasPrefix(ev.Channel, "kline."):
		return f.handleKline(ctx, ev)
	case strings.HasPrefix(ev.Channel, "orderbook."):
		f.handleOrderbook(ev)
		return nil
	default:
		return nil
	}
}

func (f *Feed) handleKline(ctx context.Context, ev exchange.Event) error {
	parts := strings.Split(ev.Channel, ".")
	if len(parts) != 3 {
		return nil
	}
	interval, symbol := parts[1], parts[2]

	for _, bar := range dataEntries(ev.Payload) {
		confirm, _ := bar["confirm"].(bool)
		if !confirm {
			continue
		}

		candle, err := buildCandle(symbol, interval, bar)
		if err != nil {
			f.logger.Warn("Dropping invalid candle", "symbol", symbol, "error", err)
			continue
		}

		f.mu.Lock()
		window := append(f.windows[symbol], candle)
		if len(window) > defaultWindowCap {
			window = window[len(window)-defaultWindowCap:]
		}
		f.windows[symbol] = window
		snapshot := make([]core.ConfirmedCandle, len(window))
		copy(snapshot, window)
		spreadOK := f.spreadOKLocked(symbol)
		f.mu.Unlock()

		sig, err := f.engine.Evaluate(ctx, snapshot, spreadOK, nil)
		if err != nil {
			f.logger.Error("Engine evaluation failed", "symbol", symbol, "error", err)
			continue
		}
		if sig != nil && f.OnSignal != nil {
			f.OnSignal(ctx, sig)
		}
	}
	return nil
}

func (f *Feed) handleOrderbook(ev exchange.Event) {
	parts := strings.Split(ev.Channel, ".")
	if len(parts) != 3 {
		return
	}
	symbol := parts[2]

	for _, data := range dataEntries(ev.Payload) {
		bid := bestLevel(data, "b")
		ask := bestLevel(data, "a")
		if bid.IsZero() || ask.IsZero() || !bid.LessThan(ask) {
			continue
		}
		mid := bid.Add(ask).Div(decimal.NewFromInt(2))
		spreadBps := ask.Sub(bid).Div(mid).Mul(decimal.NewFromInt(10000))

		f.mu.Lock()
		f.spreads[symbol] = spreadBps
		f.mu.Unlock()
	}
}

// spreadOKLocked treats an unknown spread as acceptable so symbols without
// an orderbook subscription still trade.
func (f *Feed) spreadOKLocked(symbol string) bool {
	spread, ok := f.spreads[symbol]
	if !ok {
		return true
	}
	return spread.LessThanOrEqual(f.maxSpreadBps)
}

// dataEntries extracts the data field as a list of objects, tolerating both
// single-object and array payloads.
func dataEntries(payload map[string]interface{}) []map[string]interface{} {
	data, ok := payload["data"]
	if !ok {
		return nil
	}
	switch d := data.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{d}
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(d))
		for _, item := range d {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func buildCandle(symbol, interval string, bar map[string]interface{}) (core.ConfirmedCandle, error) {
	candle := core.ConfirmedCandle{
		Symbol:    symbol,
		Interval:  interval,
		Confirmed: true,
	}

	if start := toInt64(bar["start"]); start > 0 {
		candle.OpenTime = core.ParseEpoch(start)
	}
	if end := toInt64(bar["end"]); end > 0 {
		candle.CloseTime = core.ParseEpoch(end)
	}

	var err error
	if candle.Open, err = core.ToDecimal(bar["open"]); err != nil {
		return candle, err
	}
	if candle.High, err = core.ToDecimal(bar["high"]); err != nil {
		return candle, err
	}
	if candle.Low, err = core.ToDecimal(bar["low"]); err != nil {
		return candle, err
	}
	if candle.Close, err = core.ToDecimal(bar["close"]); err != nil {
		return candle, err
	}
	if candle.Volume, err = core.ToDecimal(bar["volume"]); err != nil {
		return candle, err
	}
	if turnover, terr := core.ToDecimal(bar["turnover"]); terr == nil {
		candle.Turnover = turnover
	}

	if err := candle.Validate(); err != nil {
		return candle, err
	}
	return candle, nil
}

func bestLevel(data map[string]interface{}, key string) decimal.Decimal {
	rows, ok := data[key].([]interface{})
	if !ok || len(rows) == 0 {
		return decimal.Zero
	}
	row, ok := rows[0].([]interface{})
	if !ok || len(row) < 1 {
		return decimal.Zero
	}
	price, err := core.ToDecimal(row[0])
	if err != nil {
		return decimal.Zero
	}
	return price
}

func toInt64(v interface{}) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case int64:
		return x
	case int:
		return int64(x)
	case string:
		var n int64
		for _, r := range x {
			if r < '0' || r > '9' {
				return 0
			}
			n = n*10 + int64(r-'0')
		}
		return n
	default:
		return 0
	}
}
