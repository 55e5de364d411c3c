// Package order implements the manual-entry order executor.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"avi5/internal/core"
	"avi5/internal/exchange"
	apperrors "avi5/pkg/errors"
	"avi5/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const killSwitchKey = "kill_switch:active"

// ExchangeClient is the REST surface the manager needs.
type ExchangeClient interface {
	PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (*exchange.OrderState, error)
}

// RiskGate re-checks a signal just before execution and records open
// positions for the anti-churn guard.
type RiskGate interface {
	Check(ctx context.Context, sig *core.Signal) (bool, string, error)
	OnPositionOpen(ctx context.Context, symbol string, dir core.Direction)
}

// Config holds execution policy knobs.
type Config struct {
	FreshnessGrace     time.Duration
	PollInterval       time.Duration
	OrderTimeout       time.Duration
	FullFillRatio      decimal.Decimal
	MinFillRatioToOpen decimal.Decimal
}

// DefaultConfig returns the production policy: 5s grace, 1s polls, 30s
// timeout, full at 0.95, open at 0.5.
func DefaultConfig() Config {
	return Config{
		FreshnessGrace:     5 * time.Second,
		PollInterval:       time.Second,
		OrderTimeout:       30 * time.Second,
		FullFillRatio:      decimal.NewFromFloat(0.95),
		MinFillRatioToOpen: decimal.NewFromFloat(0.5),
	}
}

// Manager places entry orders for signals and materialises positions from
// their fills.
type Manager struct {
	cfg       Config
	client    ExchangeClient
	signals   core.SignalRepository
	positions core.PositionRepository
	risk      RiskGate
	kv        core.KVStore
	logger    core.ILogger
	now       func() time.Time
}

// NewManager creates the manager.
func NewManager(cfg Config, client ExchangeClient, signals core.SignalRepository, positions core.PositionRepository, risk RiskGate, kv core.KVStore, logger core.ILogger) *Manager {
	return &Manager{
		cfg:       cfg,
		client:    client,
		signals:   signals,
		positions: positions,
		risk:      risk,
		kv:        kv,
		logger:    logger.WithField("component", "order_manager"),
		now:       time.Now,
	}
}

// fillResult is the outcome of the polling loop.
type fillResult struct {
	ratio    decimal.Decimal
	avgPrice decimal.Decimal
	status   string
}

// PlaceOrder executes the signal end to end: freshness and risk gates,
// limit post-only placement, fill polling, partial-fill policy, position
// materialisation.
func (m *Manager) PlaceOrder(ctx context.Context, signalID uuid.UUID) (*core.Position, error) {
	sig, err := m.signals.GetByID(ctx, signalID)
	if err != nil {
		return nil, err
	}

	if active, err := m.killSwitchActive(ctx); err != nil {
		return nil, err
	} else if active {
		return nil, m.fail(ctx, sig, apperrors.CodeKillSwitch, "kill switch active")
	}

	if age := m.now().Sub(sig.CreatedAt); age > m.cfg.FreshnessGrace {
		return nil, m.fail(ctx, sig, apperrors.CodeStaleSignal, fmt.Sprintf("signal stale by %s", age-m.cfg.FreshnessGrace))
	}

	allowed, reason, err := m.risk.Check(ctx, sig)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, m.fail(ctx, sig, apperrors.CodeRiskReject, "risk rejected: "+reason)
	}

	if !sig.EntryPrice.IsPositive() || !sig.Stake.IsPositive() {
		return nil, m.fail(ctx, sig, apperrors.CodeRiskReject, "non-positive stake or entry")
	}
	qty := sig.Stake.Div(sig.EntryPrice).Abs()
	if !qty.IsPositive() {
		return nil, m.fail(ctx, sig, apperrors.CodeRiskReject, "computed qty is zero")
	}

	side := "Buy"
	if sig.Direction == core.DirectionShort {
		side = "Sell"
	}

	orderID, err := m.client.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Symbol:      sig.Symbol,
		Side:        side,
		Qty:         qty,
		Price:       sig.EntryPrice,
		OrderLinkID: sig.ID.String(),
	})
	if err != nil {
		telemetry.GetGlobalMetrics().OrdersFailedTotal.Add(ctx, 1)
		var execErr *apperrors.ExecutionError
		if errors.As(err, &execErr) {
			return nil, m.fail(ctx, sig, execErr.Code, execErr.Msg)
		}
		m.recordError(ctx, sig, apperrors.CodeRiskReject, "order placement failed: "+err.Error())
		return nil, err
	}
	telemetry.GetGlobalMetrics().OrdersPlacedTotal.Add(ctx, 1)
	m.logger.Info("Entry order placed", "signal_id", sig.ID, "symbol", sig.Symbol, "side", side, "qty", qty, "order_id", orderID)

	result, err := m.waitForFills(ctx, sig.Symbol, orderID, qty)
	if err != nil {
		telemetry.GetGlobalMetrics().OrdersFailedTotal.Add(ctx, 1)
		var execErr *apperrors.ExecutionError
		if errors.As(err, &execErr) {
			return nil, m.fail(ctx, sig, execErr.Code, execErr.Msg)
		}
		return nil, err
	}

	if result.ratio.LessThan(m.cfg.MinFillRatioToOpen) {
		if cancelErr := m.client.CancelOrder(ctx, sig.Symbol, orderID); cancelErr != nil {
			m.logger.Warn("Failed to cancel underfilled order", "order_id", orderID, "error", cancelErr)
		}
		telemetry.GetGlobalMetrics().OrdersFailedTotal.Add(ctx, 1)
		return nil, m.fail(ctx, sig, apperrors.CodeUnderfill,
			fmt.Sprintf("underfilled: ratio %s below %s", result.ratio, m.cfg.MinFillRatioToOpen))
	}

	entry := result.avgPrice
	if !entry.IsPositive() {
		entry = sig.EntryPrice
	}
	sizeBase := qty.Mul(result.ratio)
	position := &core.Position{
		ID:          uuid.New(),
		SignalID:    sig.ID,
		Symbol:      sig.Symbol,
		Direction:   sig.Direction,
		EntryPrice:  entry,
		SizeBase:    sizeBase,
		SizeQuote:   sizeBase.Mul(entry),
		FillRatio:   result.ratio,
		SlippageBps: SlippageBps(sig.Direction, sig.EntryPrice, entry),
		OpenedAt:    m.now(),
		UpdatedAt:   m.now(),
	}

	if err := m.positions.Create(ctx, position); err != nil {
		return nil, err
	}
	if err := m.signals.UpdateStatus(ctx, sig.ID, core.SignalStatusExecuted); err != nil {
		m.logger.Warn("Failed to mark signal executed", "signal_id", sig.ID, "error", err)
	}
	m.risk.OnPositionOpen(ctx, sig.Symbol, sig.Direction)

	m.logger.Info("Position opened",
		"position_id", position.ID,
		"signal_id", sig.ID,
		"symbol", position.Symbol,
		"fill_ratio", position.FillRatio,
		"size_base", position.SizeBase,
		"slippage_bps", position.SlippageBps,
	)
	return position, nil
}

// waitForFills polls the order until a final status, full fill or the
// deadline. Reaching the deadline without either is a fill timeout.
func (m *Manager) waitForFills(ctx context.Context, symbol, orderID string, qty decimal.Decimal) (fillResult, error) {
	deadline := m.now().Add(m.cfg.OrderTimeout)
	result := fillResult{}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		state, err := m.client.GetOrder(ctx, symbol, orderID)
		if err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
			m.logger.Warn("Order poll failed", "order_id", orderID, "error", err)
		}
		if state != nil {
			result.status = state.Status
			result.avgPrice = state.AvgPrice
			if qty.IsPositive() {
				result.ratio = core.Clamp(state.CumExecQty.Div(qty), decimal.Zero, decimal.NewFromInt(1))
			}

			if final, _ := finalStatus(state.Status); final {
				return result, nil
			}
			if result.ratio.GreaterThanOrEqual(m.cfg.FullFillRatio) {
				return result, nil
			}
		}

		if m.now().After(deadline) {
			return result, &apperrors.ExecutionError{
				Code: apperrors.CodeFillTimeout,
				Msg:  fmt.Sprintf("order %s not final after %s (ratio %s)", orderID, m.cfg.OrderTimeout, result.ratio),
			}
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}
	}
}

// finalStatus reports whether the exchange status is terminal and whether
// it represents a fill.
func finalStatus(status string) (final bool, filled bool) {
	switch strings.ToLower(status) {
	case "filled":
		return true, true
	case "cancelled", "canceled", "rejected", "deactivated":
		return true, false
	default:
		return false, false
	}
}

// SlippageBps returns slippage in basis points, signed so positive always
// means worse than requested: long (actual/expected - 1)*10000, short
// (expected/actual - 1)*10000.
func SlippageBps(dir core.Direction, expected, actual decimal.Decimal) decimal.Decimal {
	if !expected.IsPositive() || !actual.IsPositive() {
		return decimal.Zero
	}
	tenK := decimal.NewFromInt(10000)
	if dir == core.DirectionLong {
		return actual.Div(expected).Sub(decimal.NewFromInt(1)).Mul(tenK)
	}
	return expected.Div(actual).Sub(decimal.NewFromInt(1)).Mul(tenK)
}

func (m *Manager) killSwitchActive(ctx context.Context) (bool, error) {
	val, ok, err := m.kv.Get(ctx, killSwitchKey)
	if err != nil {
		return false, err
	}
	return ok && val == "1", nil
}

// fail records the error on the signal and returns the ExecutionError.
func (m *Manager) fail(ctx context.Context, sig *core.Signal, code int, msg string) error {
	m.recordError(ctx, sig, code, msg)
	return &apperrors.ExecutionError{Code: code, Msg: msg}
}

func (m *Manager) recordError(ctx context.Context, sig *core.Signal, code int, msg string) {
	if err := m.signals.SetError(ctx, sig.ID, code, msg); err != nil {
		m.logger.Warn("Failed to record signal error", "signal_id", sig.ID, "error", err)
	}
}
