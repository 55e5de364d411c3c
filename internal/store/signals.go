package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"avi5/internal/core"
	apperrors "avi5/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SignalStore is the gorm-backed core.SignalRepository.
type SignalStore struct {
	db *gorm.DB
}

// NewSignalStore creates the repository.
func NewSignalStore(db *gorm.DB) *SignalStore {
	return &SignalStore{db: db}
}

func (s *SignalStore) Create(ctx context.Context, sig *core.Signal) error {
	row := signalToRow(sig)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return wrapStorageErr(err, sig.Symbol, sig.ID.String())
	}
	return nil
}

func (s *SignalStore) GetByID(ctx context.Context, id uuid.UUID) (*core.Signal, error) {
	var row signalRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSignalNotFound, id)
	}
	if err != nil {
		return nil, wrapStorageErr(err, "", id.String())
	}
	return rowToSignal(&row), nil
}

func (s *SignalStore) UpdateStatus(ctx context.Context, id uuid.UUID, status core.SignalStatus) error {
	err := s.db.WithContext(ctx).Model(&signalRow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     string(status),
		"updated_at": time.Now(),
	}).Error
	return wrapStorageErr(err, "", id.String())
}

func (s *SignalStore) SetError(ctx context.Context, id uuid.UUID, code int, msg string) error {
	err := s.db.WithContext(ctx).Model(&signalRow{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        string(core.SignalStatusError),
		"error_code":    code,
		"error_message": msg,
		"updated_at":    time.Now(),
	}).Error
	return wrapStorageErr(err, "", id.String())
}

func (s *SignalStore) ListCreatedAfter(ctx context.Context, cutoff time.Time) ([]*core.Signal, error) {
	var rows []signalRow
	err := s.db.WithContext(ctx).Where("created_at > ?", cutoff).Order("created_at asc").Find(&rows).Error
	if err != nil {
		return nil, wrapStorageErr(err, "", "")
	}
	return rowsToSignals(rows), nil
}

func (s *SignalStore) ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*core.Signal, error) {
	var rows []signalRow
	err := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Order("created_at asc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, wrapStorageErr(err, "", "")
	}
	return rowsToSignals(rows), nil
}

func (s *SignalStore) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Delete(&signalRow{}, "id IN ?", ids).Error
	return wrapStorageErr(err, "", "")
}

func rowsToSignals(rows []signalRow) []*core.Signal {
	out := make([]*core.Signal, 0, len(rows))
	for i := range rows {
		out = append(out, rowToSignal(&rows[i]))
	}
	return out
}
