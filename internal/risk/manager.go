// Package risk implements the centralised pre-trade risk gate.
package risk

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"avi5/internal/core"
	"avi5/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Rejection reasons, in evaluation order.
const (
	ReasonAntiChurn     = "anti_churn_block"
	ReasonMaxConcurrent = "max_concurrent"
	ReasonPerBase       = "per_base_limit"
	ReasonMaxTotalRisk  = "max_total_risk_r"
	ReasonPerSymbolRisk = "per_symbol_risk_r"
)

// Manager holds an atomically swappable RiskLimits snapshot and gates every
// candidate signal. The rule order is fixed and the first failure wins.
type Manager struct {
	limits    atomic.Pointer[core.RiskLimits]
	positions core.PositionRepository
	guard     *ChurnGuard
	logger    core.ILogger
	now       func() time.Time
}

// NewManager creates a manager with the initial limits snapshot.
func NewManager(limits core.RiskLimits, positions core.PositionRepository, guard *ChurnGuard, logger core.ILogger) *Manager {
	m := &Manager{
		positions: positions,
		guard:     guard,
		logger:    logger.WithField("component", "risk_manager"),
		now:       time.Now,
	}
	m.limits.Store(&limits)
	return m
}

// SetLimits atomically replaces the limits snapshot.
func (m *Manager) SetLimits(limits core.RiskLimits) {
	m.limits.Store(&limits)
}

// Limits returns the current snapshot.
func (m *Manager) Limits() core.RiskLimits {
	return *m.limits.Load()
}

// Check evaluates the candidate signal against the rules in fixed order:
// anti-churn, max concurrent, per-base, total risk, per-symbol risk.
// Each open position counts as 1R.
func (m *Manager) Check(ctx context.Context, sig *core.Signal) (bool, string, error) {
	limits := m.limits.Load()

	blocked, until, err := m.guard.IsBlocked(ctx, sig.Symbol, sig.Direction, m.now())
	if err != nil {
		return false, "", err
	}
	if blocked {
		m.logger.Info("Signal blocked by cooldown", "symbol", sig.Symbol, "direction", sig.Direction, "until", until)
		m.reject(ctx, ReasonAntiChurn)
		return false, ReasonAntiChurn, nil
	}

	open, err := m.positions.ListOpen(ctx)
	if err != nil {
		return false, "", err
	}

	if len(open) >= limits.MaxConcurrent {
		m.reject(ctx, ReasonMaxConcurrent)
		return false, ReasonMaxConcurrent, nil
	}

	if !admitPerBase(open, sig.Symbol, sig.Direction, limits.MaxPositionsPerBase) {
		m.reject(ctx, ReasonPerBase)
		return false, ReasonPerBase, nil
	}

	proposed := decimal.NewFromInt(int64(len(open) + 1))
	if proposed.GreaterThan(limits.MaxTotalRiskR) {
		m.reject(ctx, ReasonMaxTotalRisk)
		return false, ReasonMaxTotalRisk, nil
	}

	symbolUpper := strings.ToUpper(sig.Symbol)
	if limit, ok := limits.PerSymbolRiskR[symbolUpper]; ok {
		count := 0
		for _, p := range open {
			if strings.EqualFold(p.Symbol, sig.Symbol) {
				count++
			}
		}
		if decimal.NewFromInt(int64(count + 1)).GreaterThan(limit) {
			m.reject(ctx, ReasonPerSymbolRisk)
			return false, ReasonPerSymbolRisk, nil
		}
	}

	return true, "", nil
}

func (m *Manager) reject(ctx context.Context, reason string) {
	telemetry.GetGlobalMetrics().RecordRejection(ctx, reason)
}

// OnPositionOpen records the anti-churn stamp for the opened side.
func (m *Manager) OnPositionOpen(ctx context.Context, symbol string, dir core.Direction) {
	if err := m.guard.Record(ctx, symbol, dir, m.now()); err != nil {
		m.logger.Warn("Failed to record cooldown stamp", "symbol", symbol, "error", err)
	}
}

// OnPositionClose is a hook for future close-side bookkeeping. It does
// nothing today.
func (m *Manager) OnPositionClose(ctx context.Context, symbol string, dir core.Direction) {
}
