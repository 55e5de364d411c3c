package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"avi5/internal/core"
	apperrors "avi5/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PositionStore is the gorm-backed core.PositionRepository.
type PositionStore struct {
	db *gorm.DB
}

// NewPositionStore creates the repository.
func NewPositionStore(db *gorm.DB) *PositionStore {
	return &PositionStore{db: db}
}

func (s *PositionStore) Create(ctx context.Context, pos *core.Position) error {
	row := positionToRow(pos)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return wrapStorageErr(err, pos.Symbol, pos.ID.String())
	}
	return nil
}

func (s *PositionStore) GetByID(ctx context.Context, id uuid.UUID) (*core.Position, error) {
	var row positionRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("position %s: %w", id, apperrors.ErrStorage)
	}
	if err != nil {
		return nil, wrapStorageErr(err, "", id.String())
	}
	return rowToPosition(&row), nil
}

func (s *PositionStore) GetBySignal(ctx context.Context, signalID uuid.UUID) ([]*core.Position, error) {
	var rows []positionRow
	err := s.db.WithContext(ctx).Where("signal_id = ?", signalID).Order("opened_at asc").Find(&rows).Error
	if err != nil {
		return nil, wrapStorageErr(err, "", signalID.String())
	}
	return rowsToPositions(rows), nil
}

func (s *PositionStore) ListOpen(ctx context.Context) ([]*core.Position, error) {
	var rows []positionRow
	err := s.db.WithContext(ctx).Where("closed_at IS NULL").Order("opened_at asc").Find(&rows).Error
	if err != nil {
		return nil, wrapStorageErr(err, "", "")
	}
	return rowsToPositions(rows), nil
}

func (s *PositionStore) UpdateFillRatio(ctx context.Context, id uuid.UUID, ratio decimal.Decimal) error {
	err := s.db.WithContext(ctx).Model(&positionRow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"fill_ratio": ratio,
		"updated_at": time.Now(),
	}).Error
	return wrapStorageErr(err, "", id.String())
}

func (s *PositionStore) UpdateSize(ctx context.Context, id uuid.UUID, sizeBase, sizeQuote decimal.Decimal) error {
	err := s.db.WithContext(ctx).Model(&positionRow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"size_base":  sizeBase,
		"size_quote": sizeQuote,
		"updated_at": time.Now(),
	}).Error
	return wrapStorageErr(err, "", id.String())
}

func (s *PositionStore) UpdateSlippage(ctx context.Context, id uuid.UUID, bps decimal.Decimal) error {
	err := s.db.WithContext(ctx).Model(&positionRow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"slippage":   bps,
		"updated_at": time.Now(),
	}).Error
	return wrapStorageErr(err, "", id.String())
}

func (s *PositionStore) Close(ctx context.Context, id uuid.UUID, closedAt time.Time) error {
	err := s.db.WithContext(ctx).Model(&positionRow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"closed_at":  closedAt,
		"updated_at": time.Now(),
	}).Error
	return wrapStorageErr(err, "", id.String())
}

func (s *PositionStore) ListAgedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*core.Position, error) {
	var rows []positionRow
	err := s.db.WithContext(ctx).
		Where("COALESCE(closed_at, opened_at) < ?", cutoff).
		Order("opened_at asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStorageErr(err, "", "")
	}
	return rowsToPositions(rows), nil
}

func (s *PositionStore) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Delete(&positionRow{}, "id IN ?", ids).Error
	return wrapStorageErr(err, "", "")
}

func rowsToPositions(rows []positionRow) []*core.Position {
	out := make([]*core.Position, 0, len(rows))
	for i := range rows {
		out = append(out, rowToPosition(&rows[i]))
	}
	return out
}
