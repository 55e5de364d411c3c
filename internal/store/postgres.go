package store

import (
	"errors"
	"fmt"
	"time"

	apperrors "avi5/pkg/errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenPostgres opens the ledger database with a bounded connection pool.
func OpenPostgres(dsn string, poolMin, poolMax int) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", apperrors.ErrStorage, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: access pool: %v", apperrors.ErrStorage, err)
	}
	sqlDB.SetMaxIdleConns(poolMin)
	sqlDB.SetMaxOpenConns(poolMax)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&signalRow{}, &positionRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", apperrors.ErrStorage, err)
	}
	return db, nil
}

// wrapStorageErr converts a driver failure into a StorageError carrying the
// SQLSTATE and the entity it concerned.
func wrapStorageErr(err error, symbol, entityID string) error {
	if err == nil {
		return nil
	}
	sqlState := ""
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		sqlState = pgErr.Code
	}
	return &apperrors.StorageError{
		SQLState: sqlState,
		Symbol:   symbol,
		EntityID: entityID,
		Err:      err,
	}
}
