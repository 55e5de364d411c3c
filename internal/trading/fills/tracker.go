// Package fills consumes the private user.order stream and keeps positions
// in step with execution reports.
package fills

import (
	"context"
	"strconv"
	"strings"
	"time"

	"avi5/internal/core"
	"avi5/internal/exchange"
	"avi5/internal/trading/order"
	"avi5/pkg/concurrency"
	"avi5/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tracker routes execution reports to position updates. Each event is
// dispatched on the worker pool so the stream loop never blocks on
// persistence.
type Tracker struct {
	positions core.PositionRepository
	pool      *concurrency.WorkerPool
	logger    core.ILogger
}

// NewTracker creates the tracker.
func NewTracker(positions core.PositionRepository, pool *concurrency.WorkerPool, logger core.ILogger) *Tracker {
	return &Tracker{
		positions: positions,
		pool:      pool,
		logger:    logger.WithField("component", "fill_tracker"),
	}
}

// Run consumes events until the channel closes or the context ends.
func (t *Tracker) Run(ctx context.Context, events <-chan exchange.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Channel != "user.order" {
				continue
			}
			t.dispatch(ctx, ev)
		}
	}
}

func (t *Tracker) dispatch(ctx context.Context, ev exchange.Event) {
	for _, entry := range orderEntries(ev.Payload) {
		entry := entry
		if err := t.pool.Submit(func() {
			t.HandleOrderEvent(ctx, entry)
		}); err != nil {
			t.logger.Error("Failed to dispatch fill event", "error", err)
		}
	}
}

// HandleOrderEvent applies one execution report: advance fill_ratio, and on
// a fully filled reduce-only order record exit slippage and close the
// position at the execution timestamp.
func (t *Tracker) HandleOrderEvent(ctx context.Context, data map[string]interface{}) {
	execQty := decimalField(data, "execQty")
	cumExecQty := decimalField(data, "cumExecQty")
	if !execQty.IsPositive() && !cumExecQty.IsPositive() {
		return
	}

	linkID := stringField(data, "orderLinkId")
	signalID, err := uuid.Parse(linkID)
	if err != nil {
		t.logger.Debug("Skipping event with non-signal orderLinkId", "orderLinkId", linkID)
		return
	}

	positions, err := t.positions.GetBySignal(ctx, signalID)
	if err != nil {
		t.logger.Error("Failed to load positions for fill", "signal_id", signalID, "error", err)
		return
	}
	if len(positions) == 0 {
		t.logger.Debug("Fill for signal without position", "signal_id", signalID)
		return
	}
	pos := positions[0]

	qty := decimalField(data, "qty")
	if qty.IsPositive() {
		ratio := core.Clamp(cumExecQty.Div(qty), decimal.Zero, decimal.NewFromInt(1))
		if err := t.positions.UpdateFillRatio(ctx, pos.ID, ratio); err != nil {
			t.logger.Error("Failed to update fill ratio", "position_id", pos.ID, "error", err)
			return
		}
	}

	telemetry.GetGlobalMetrics().FillsTotal.Add(ctx, 1)

	reduceOnly, _ := data["reduceOnly"].(bool)
	if !reduceOnly || !fullyFilled(data, qty, cumExecQty) {
		return
	}

	requested := decimalField(data, "price")
	if !requested.IsPositive() {
		requested = decimalField(data, "triggerPrice")
	}
	actual := decimalField(data, "avgPrice")
	if !actual.IsPositive() {
		actual = decimalField(data, "lastPrice")
	}

	if requested.IsPositive() && actual.IsPositive() {
		// Slippage is signed by the exit order's side, not the position's
		// direction, so a positive value always reads as a worse fill than
		// requested.
		exitDir := core.DirectionLong
		if strings.EqualFold(stringField(data, "side"), "Sell") {
			exitDir = core.DirectionShort
		}
		exitBps := order.SlippageBps(exitDir, requested, actual)
		if err := t.positions.UpdateSlippage(ctx, pos.ID, exitBps); err != nil {
			t.logger.Error("Failed to record exit slippage", "position_id", pos.ID, "error", err)
		}
	}

	closedAt := execTimestamp(data)
	if err := t.positions.Close(ctx, pos.ID, closedAt); err != nil {
		t.logger.Error("Failed to close position", "position_id", pos.ID, "error", err)
		return
	}
	t.logger.Info("Position closed by exit fill", "position_id", pos.ID, "signal_id", signalID, "closed_at", closedAt)
}

// fullyFilled reports whether the order is done: a terminal filled status
// or cumulative quantity reaching the order quantity.
func fullyFilled(data map[string]interface{}, qty, cumExecQty decimal.Decimal) bool {
	switch strings.ToLower(stringField(data, "orderStatus")) {
	case "filled", "closed":
		return true
	}
	return qty.IsPositive() && cumExecQty.GreaterThanOrEqual(qty)
}

// execTimestamp extracts the execution time from execTime, updatedTime or
// createdTime, accepting second- or millisecond-scale integer strings.
// Unparseable events fall back to now.
func execTimestamp(data map[string]interface{}) time.Time {
	for _, key := range []string{"execTime", "updatedTime", "createdTime"} {
		raw := stringField(data, key)
		if raw == "" {
			if f, ok := data[key].(float64); ok {
				return core.ParseEpoch(int64(f))
			}
			continue
		}
		if ts, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			return core.ParseEpoch(ts)
		}
	}
	return time.Now()
}

// orderEntries extracts the data field as a list of order objects.
func orderEntries(payload map[string]interface{}) []map[string]interface{} {
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

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func decimalField(m map[string]interface{}, key string) decimal.Decimal {
	v, ok := m[key]
	if !ok {
		return decimal.Zero
	}
	d, err := core.ToDecimal(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
