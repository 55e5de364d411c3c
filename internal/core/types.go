// Package core defines the domain types and interfaces shared by all components.
package core

import (
	"time"

	apperrors "avi5/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction is the side of a signal or position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// ConfirmedCandle is a finalised OHLCV bar for one symbol and interval.
// Bars are created on close by the market feed and never mutated.
type ConfirmedCandle struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Turnover  decimal.Decimal
	Confirmed bool
}

// Validate checks the basic OHLC geometry of the candle.
func (c *ConfirmedCandle) Validate() error {
	if c.Symbol == "" || c.OpenTime.IsZero() {
		return apperrors.ErrInvalidCandle
	}
	if c.Confirmed && !c.CloseTime.IsZero() && c.CloseTime.After(time.Now().Add(time.Minute)) {
		return apperrors.ErrInvalidCandle
	}
	if c.High.LessThan(c.Low) {
		return apperrors.ErrInvalidCandle
	}
	if c.Open.LessThan(c.Low) || c.Open.GreaterThan(c.High) {
		return apperrors.ErrInvalidCandle
	}
	if c.Close.LessThan(c.Low) || c.Close.GreaterThan(c.High) {
		return apperrors.ErrInvalidCandle
	}
	if c.Volume.IsNegative() {
		return apperrors.ErrInvalidCandle
	}
	return nil
}

// SignalStatus is the lifecycle state of a generated signal.
type SignalStatus string

const (
	SignalStatusNew       SignalStatus = "new"
	SignalStatusQueued    SignalStatus = "queued"
	SignalStatusExecuting SignalStatus = "executing"
	SignalStatusExecuted  SignalStatus = "executed"
	SignalStatusRejected  SignalStatus = "rejected"
	SignalStatusError     SignalStatus = "error"
	SignalStatusExpired   SignalStatus = "expired"
)

// Signal is a proposed trade entry produced by the strategy engine.
type Signal struct {
	ID           uuid.UUID
	Symbol       string
	Direction    Direction
	EntryPrice   decimal.Decimal
	StopLoss     *decimal.Decimal
	TP1          *decimal.Decimal
	TP2          *decimal.Decimal
	TP3          *decimal.Decimal
	RiskAmount   decimal.Decimal
	Stake        decimal.Decimal
	Probability  decimal.Decimal
	Status       SignalStatus
	RejectReason string
	ErrorCode    *int
	ErrorMessage *string
	QueuedUntil  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Position is an open or closed exchange position tracked locally.
// SlippageBps holds entry slippage at open and is overwritten with exit
// slippage when the closing fill arrives.
type Position struct {
	ID          uuid.UUID
	SignalID    uuid.UUID
	Symbol      string
	Direction   Direction
	EntryPrice  decimal.Decimal
	SizeBase    decimal.Decimal
	SizeQuote   decimal.Decimal
	FillRatio   decimal.Decimal
	SlippageBps decimal.Decimal
	Funding     decimal.Decimal
	OpenedAt    time.Time
	ClosedAt    *time.Time
	UpdatedAt   time.Time
}

// IsOpen reports whether the position has not been closed yet.
func (p *Position) IsOpen() bool {
	return p.ClosedAt == nil
}

// RiskLimits are the account-level limits enforced before execution.
// Snapshots are immutable; the risk manager swaps the whole struct on
// config reload.
type RiskLimits struct {
	MaxConcurrent       int
	MaxTotalRiskR       decimal.Decimal
	MaxPositionsPerBase int
	PerSymbolRiskR      map[string]decimal.Decimal
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}
