// Package strategy implements the AVI-5 breakout signal engine.
package strategy

import (
	"context"
	"time"

	"avi5/internal/core"
	"avi5/internal/indicator"
	"avi5/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	strategyName    = "avi5"
	strategyVersion = "1"

	// Entries are suppressed inside this window before funding.
	minMinutesToFunding = 15
)

// ThetaProvider returns the sizing threshold for an hour of day.
type ThetaProvider interface {
	Theta(ctx context.Context, hour int) decimal.Decimal
}

// RiskChecker gates candidate signals.
type RiskChecker interface {
	Check(ctx context.Context, sig *core.Signal) (bool, string, error)
}

// EngineConfig holds the strategy parameters.
type EngineConfig struct {
	ATRWindow     int
	ATRMultiplier decimal.Decimal
	MaxStake      decimal.Decimal
}

// Engine evaluates confirmed candle windows and emits at most one signal
// per evaluation. Indicator functions are fields so tests can pin their
// outputs.
type Engine struct {
	cfg     EngineConfig
	risk    RiskChecker
	signals core.SignalRepository
	theta   ThetaProvider
	logger  core.ILogger
	now     func() time.Time

	atrFn      func(candles []core.ConfirmedCandle, period int) (decimal.Decimal, error)
	donchianFn func(candles []core.ConfirmedCandle, window int) (decimal.Decimal, decimal.Decimal, error)
}

// NewEngine creates an engine wired to the real indicator functions.
func NewEngine(cfg EngineConfig, risk RiskChecker, signals core.SignalRepository, theta ThetaProvider, logger core.ILogger) *Engine {
	return &Engine{
		cfg:        cfg,
		risk:       risk,
		signals:    signals,
		theta:      theta,
		logger:     logger.WithField("component", "signal_engine"),
		now:        time.Now,
		atrFn:      indicator.ATR,
		donchianFn: indicator.Donchian,
	}
}

// Evaluate inspects the candle window (oldest first, last is current) and
// returns the persisted signal, or nil when no entry sets up. A risk-gate
// denial also returns nil; the denial is recorded, not an error.
func (e *Engine) Evaluate(ctx context.Context, candles []core.ConfirmedCandle, spreadOK bool, minutesToFunding *int) (*core.Signal, error) {
	if len(candles) < e.cfg.ATRWindow+1 {
		return nil, nil
	}
	last := candles[len(candles)-1]
	if !last.Confirmed {
		return nil, nil
	}
	if !spreadOK {
		return nil, nil
	}
	if minutesToFunding != nil && *minutesToFunding < minMinutesToFunding {
		return nil, nil
	}

	atrSlice := candles[len(candles)-(e.cfg.ATRWindow+1):]
	atr, err := e.atrFn(atrSlice, e.cfg.ATRWindow)
	if err != nil {
		return nil, err
	}

	// Channel over the window ending at the previous bar; the bar being
	// evaluated must not raise its own band.
	donchianSlice := candles[len(candles)-1-e.cfg.ATRWindow : len(candles)-1]
	upper, lower, err := e.donchianFn(donchianSlice, e.cfg.ATRWindow)
	if err != nil {
		return nil, err
	}

	closeLast := last.Close
	closePrev := candles[len(candles)-2].Close

	var direction core.Direction
	switch {
	case closeLast.GreaterThan(upper) && upper.GreaterThanOrEqual(closePrev):
		direction = core.DirectionLong
	case closeLast.LessThan(lower) && lower.LessThanOrEqual(closePrev):
		direction = core.DirectionShort
	default:
		return nil, nil
	}

	r := e.cfg.ATRMultiplier.Mul(atr).Abs()
	if !r.IsPositive() {
		e.logger.Debug("Rejecting setup with non-positive risk unit", "symbol", last.Symbol, "atr", atr)
		return nil, nil
	}

	entry := closeLast
	var stopLoss, tp1, tp2, tp3 decimal.Decimal
	if direction == core.DirectionLong {
		stopLoss = entry.Sub(r)
		if !stopLoss.IsPositive() {
			e.logger.Debug("Rejecting long with non-positive stop", "symbol", last.Symbol, "entry", entry, "r", r)
			return nil, nil
		}
		tp1 = entry.Add(r)
		tp2 = entry.Add(r.Mul(decimal.NewFromInt(2)))
		tp3 = entry.Add(r.Mul(decimal.NewFromInt(3)))
	} else {
		stopLoss = entry.Add(r)
		tp1 = entry.Sub(r)
		tp2 = entry.Sub(r.Mul(decimal.NewFromInt(2)))
		tp3 = entry.Sub(r.Mul(decimal.NewFromInt(3)))
		if !tp3.IsPositive() {
			e.logger.Debug("Rejecting short with non-positive TP3", "symbol", last.Symbol, "entry", entry, "r", r)
			return nil, nil
		}
	}

	now := e.now()
	theta := e.theta.Theta(ctx, now.UTC().Hour())
	stake := e.cfg.MaxStake.Mul(theta).Abs()
	probability := core.Clamp(theta, decimal.Zero, decimal.NewFromInt(1))

	sig := &core.Signal{
		ID:          uuid.New(),
		Symbol:      last.Symbol,
		Direction:   direction,
		EntryPrice:  entry,
		StopLoss:    &stopLoss,
		TP1:         &tp1,
		TP2:         &tp2,
		TP3:         &tp3,
		RiskAmount:  r,
		Stake:       stake,
		Probability: probability,
		Status:      core.SignalStatusNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	allowed, reason, err := e.risk.Check(ctx, sig)
	if err != nil {
		return nil, err
	}
	if !allowed {
		e.logger.Info("Signal denied by risk gate", "symbol", sig.Symbol, "direction", direction, "reason", reason)
		return nil, nil
	}

	if err := e.signals.Create(ctx, sig); err != nil {
		return nil, err
	}

	telemetry.GetGlobalMetrics().SignalsGeneratedTotal.Add(ctx, 1)
	e.logger.Info("Signal generated",
		"signal_id", sig.ID,
		"symbol", sig.Symbol,
		"direction", direction,
		"entry", entry,
		"stop", stopLoss,
		"stake", stake,
	)
	return sig, nil
}
