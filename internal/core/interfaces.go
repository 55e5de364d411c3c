package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ILogger defines the interface for structured logging.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// SignalRepository persists trading signals.
type SignalRepository interface {
	Create(ctx context.Context, sig *Signal) error
	GetByID(ctx context.Context, id uuid.UUID) (*Signal, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status SignalStatus) error
	SetError(ctx context.Context, id uuid.UUID, code int, msg string) error
	ListCreatedAfter(ctx context.Context, cutoff time.Time) ([]*Signal, error)
	ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Signal, error)
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
}

// PositionRepository persists positions.
type PositionRepository interface {
	Create(ctx context.Context, pos *Position) error
	GetByID(ctx context.Context, id uuid.UUID) (*Position, error)
	GetBySignal(ctx context.Context, signalID uuid.UUID) ([]*Position, error)
	ListOpen(ctx context.Context) ([]*Position, error)
	UpdateFillRatio(ctx context.Context, id uuid.UUID, ratio decimal.Decimal) error
	UpdateSize(ctx context.Context, id uuid.UUID, sizeBase, sizeQuote decimal.Decimal) error
	UpdateSlippage(ctx context.Context, id uuid.UUID, bps decimal.Decimal) error
	Close(ctx context.Context, id uuid.UUID, closedAt time.Time) error
	// ListAgedBefore lists positions whose age reference, closed_at when
	// set otherwise opened_at, is strictly older than cutoff.
	ListAgedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Position, error)
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
}

// KVStore is a key-value store with TTL support, backed by Redis.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Locker provides distributed mutual exclusion.
type Locker interface {
	// WithLock blocks until the lock is held, runs fn, then releases.
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error
	// TryWithLock runs fn only if the lock is immediately available and
	// reports whether it ran.
	TryWithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}
