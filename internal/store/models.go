// Package store provides the Postgres-backed repositories and the Redis
// key/value store.
package store

import (
	"time"

	"avi5/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type signalRow struct {
	ID              uuid.UUID        `gorm:"type:uuid;primaryKey"`
	CreatedAt       time.Time        `gorm:"column:created_at"`
	UpdatedAt       time.Time        `gorm:"column:updated_at"`
	Symbol          string           `gorm:"column:symbol"`
	Side            string           `gorm:"column:side"`
	EntryPrice      decimal.Decimal  `gorm:"column:entry_price;type:numeric"`
	StakeUSD        decimal.Decimal  `gorm:"column:stake_usd;type:numeric"`
	Probability     decimal.Decimal  `gorm:"column:probability;type:numeric"`
	Strategy        string           `gorm:"column:strategy"`
	StrategyVersion string           `gorm:"column:strategy_version"`
	Status          string           `gorm:"column:status"`
	QueuedUntil     *time.Time       `gorm:"column:queued_until"`
	TP1Price        *decimal.Decimal `gorm:"column:tp1_price;type:numeric"`
	TP2Price        *decimal.Decimal `gorm:"column:tp2_price;type:numeric"`
	TP3Price        *decimal.Decimal `gorm:"column:tp3_price;type:numeric"`
	SLPrice         *decimal.Decimal `gorm:"column:sl_price;type:numeric"`
	ErrorCode       *int             `gorm:"column:error_code"`
	ErrorMessage    *string          `gorm:"column:error_message"`
}

func (signalRow) TableName() string { return "signals" }

type positionRow struct {
	ID         uuid.UUID       `gorm:"type:uuid;primaryKey"`
	SignalID   uuid.UUID       `gorm:"column:signal_id;type:uuid"`
	OpenedAt   time.Time       `gorm:"column:opened_at"`
	ClosedAt   *time.Time      `gorm:"column:closed_at"`
	UpdatedAt  time.Time       `gorm:"column:updated_at"`
	Symbol     string          `gorm:"column:symbol"`
	Direction  string          `gorm:"column:direction"`
	EntryPrice decimal.Decimal `gorm:"column:entry_price;type:numeric"`
	SizeBase   decimal.Decimal `gorm:"column:size_base;type:numeric"`
	SizeQuote  decimal.Decimal `gorm:"column:size_quote;type:numeric"`
	FillRatio  decimal.Decimal `gorm:"column:fill_ratio;type:numeric"`
	Slippage   decimal.Decimal `gorm:"column:slippage;type:numeric"`
	Funding    decimal.Decimal `gorm:"column:funding;type:numeric"`
}

func (positionRow) TableName() string { return "positions" }

func signalToRow(s *core.Signal) *signalRow {
	return &signalRow{
		ID:              s.ID,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		Symbol:          s.Symbol,
		Side:            string(s.Direction),
		EntryPrice:      s.EntryPrice,
		StakeUSD:        s.Stake,
		Probability:     s.Probability,
		Strategy:        "avi5",
		StrategyVersion: "1",
		Status:          string(s.Status),
		QueuedUntil:     s.QueuedUntil,
		TP1Price:        s.TP1,
		TP2Price:        s.TP2,
		TP3Price:        s.TP3,
		SLPrice:         s.StopLoss,
		ErrorCode:       s.ErrorCode,
		ErrorMessage:    s.ErrorMessage,
	}
}

func rowToSignal(r *signalRow) *core.Signal {
	return &core.Signal{
		ID:           r.ID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		Symbol:       r.Symbol,
		Direction:    core.Direction(r.Side),
		EntryPrice:   r.EntryPrice,
		Stake:        r.StakeUSD,
		Probability:  r.Probability,
		Status:       core.SignalStatus(r.Status),
		QueuedUntil:  r.QueuedUntil,
		TP1:          r.TP1Price,
		TP2:          r.TP2Price,
		TP3:          r.TP3Price,
		StopLoss:     r.SLPrice,
		ErrorCode:    r.ErrorCode,
		ErrorMessage: r.ErrorMessage,
	}
}

func positionToRow(p *core.Position) *positionRow {
	return &positionRow{
		ID:         p.ID,
		SignalID:   p.SignalID,
		OpenedAt:   p.OpenedAt,
		ClosedAt:   p.ClosedAt,
		UpdatedAt:  p.UpdatedAt,
		Symbol:     p.Symbol,
		Direction:  string(p.Direction),
		EntryPrice: p.EntryPrice,
		SizeBase:   p.SizeBase,
		SizeQuote:  p.SizeQuote,
		FillRatio:  p.FillRatio,
		Slippage:   p.SlippageBps,
		Funding:    p.Funding,
	}
}

func rowToPosition(r *positionRow) *core.Position {
	return &core.Position{
		ID:          r.ID,
		SignalID:    r.SignalID,
		OpenedAt:    r.OpenedAt,
		ClosedAt:    r.ClosedAt,
		UpdatedAt:   r.UpdatedAt,
		Symbol:      r.Symbol,
		Direction:   core.Direction(r.Direction),
		EntryPrice:  r.EntryPrice,
		SizeBase:    r.SizeBase,
		SizeQuote:   r.SizeQuote,
		FillRatio:   r.FillRatio,
		SlippageBps: r.Slippage,
		Funding:     r.Funding,
	}
}
