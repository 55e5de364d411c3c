// Package archive moves aged signal and position rows to an object store
// as gzipped NDJSON and prunes them from the relational store.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"avi5/internal/core"
	"avi5/pkg/telemetry"

	"github.com/google/uuid"
)

const archiveLockName = "records_archive"

// Config holds retention and batching policy.
type Config struct {
	Prefix         string
	SignalRetain   time.Duration
	PositionRetain time.Duration
	BatchSize      int
	Interval       time.Duration
	LockTTL        time.Duration
}

// DefaultConfig returns the production policy: signals kept 90 days,
// positions 180, batches of 1000, hourly runs.
func DefaultConfig() Config {
	return Config{
		Prefix:         "avi5",
		SignalRetain:   90 * 24 * time.Hour,
		PositionRetain: 180 * 24 * time.Hour,
		BatchSize:      1000,
		Interval:       time.Hour,
		LockTTL:        5 * time.Minute,
	}
}

// Archiver runs the retention pass under a distributed lock.
type Archiver struct {
	cfg       Config
	store     ObjectStore
	signals   core.SignalRepository
	positions core.PositionRepository
	locker    core.Locker
	logger    core.ILogger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewArchiver creates the archiver.
func NewArchiver(cfg Config, store ObjectStore, signals core.SignalRepository, positions core.PositionRepository, locker core.Locker, logger core.ILogger) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Archiver{
		cfg:       cfg,
		store:     store,
		signals:   signals,
		positions: positions,
		locker:    locker,
		logger:    logger.WithField("component", "archiver"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the periodic archive loop.
func (a *Archiver) Start(ctx context.Context) error {
	a.logger.Info("Starting archiver", "interval", a.cfg.Interval)
	a.wg.Add(1)
	go a.runLoop()
	return nil
}

// Stop stops the loop and waits for it to drain.
func (a *Archiver) Stop() error {
	a.logger.Info("Stopping archiver")
	a.cancel()
	a.wg.Wait()
	return nil
}

func (a *Archiver) runLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.Archive(a.ctx); err != nil {
				a.logger.Error("Archive pass failed", "error", err)
			}
		}
	}
}

// Archive runs one retention pass under the archive lock. If another node
// holds the lock the pass is skipped.
func (a *Archiver) Archive(ctx context.Context) error {
	ran, err := a.locker.TryWithLock(ctx, archiveLockName, a.cfg.LockTTL, a.archiveLocked)
	if err != nil {
		return err
	}
	if !ran {
		a.logger.Debug("Archive lock held elsewhere, skipping")
	}
	return nil
}

func (a *Archiver) archiveLocked(ctx context.Context) error {
	now := a.now().UTC()

	if err := a.drainSignals(ctx, now.Add(-a.cfg.SignalRetain)); err != nil {
		return err
	}
	return a.drainPositions(ctx, now.Add(-a.cfg.PositionRetain))
}

// drainSignals archives signals created before the cutoff, one batch at a
// time, until none remain. A row is deleted only after its batch uploads.
func (a *Archiver) drainSignals(ctx context.Context, cutoff time.Time) error {
	for {
		batch, err := a.signals.ListCreatedBefore(ctx, cutoff, a.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list aged signals: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		records := make([]interface{}, len(batch))
		ids := make([]uuid.UUID, len(batch))
		for i, sig := range batch {
			records[i] = sig
			ids[i] = sig.ID
		}

		if err := a.uploadBatch(ctx, "signals", records); err != nil {
			return err
		}
		if err := a.signals.DeleteByIDs(ctx, ids); err != nil {
			return fmt.Errorf("prune archived signals: %w", err)
		}
		a.logger.Info("Archived signal batch", "count", len(batch), "cutoff", cutoff)
		if len(batch) < a.cfg.BatchSize {
			return nil
		}
	}
}

func (a *Archiver) drainPositions(ctx context.Context, cutoff time.Time) error {
	for {
		batch, err := a.positions.ListAgedBefore(ctx, cutoff, a.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list aged positions: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		records := make([]interface{}, len(batch))
		ids := make([]uuid.UUID, len(batch))
		for i, pos := range batch {
			records[i] = pos
			ids[i] = pos.ID
		}

		if err := a.uploadBatch(ctx, "positions", records); err != nil {
			return err
		}
		if err := a.positions.DeleteByIDs(ctx, ids); err != nil {
			return fmt.Errorf("prune archived positions: %w", err)
		}
		a.logger.Info("Archived position batch", "count", len(batch), "cutoff", cutoff)
		if len(batch) < a.cfg.BatchSize {
			return nil
		}
	}
}

// uploadBatch gzips the records as NDJSON and writes them under a
// date-partitioned key.
func (a *Archiver) uploadBatch(ctx context.Context, table string, records []interface{}) error {
	body, err := encodeNDJSONGzip(records)
	if err != nil {
		return fmt.Errorf("encode %s batch: %w", table, err)
	}

	key := batchKey(a.cfg.Prefix, table, a.now().UTC())
	if err := a.store.Put(ctx, key, body, "application/x-ndjson", "gzip"); err != nil {
		return fmt.Errorf("upload %s batch: %w", table, err)
	}
	telemetry.GetGlobalMetrics().ArchiveBatchesTotal.Add(ctx, 1)
	return nil
}

// batchKey renders {prefix}/{table}/YYYY/MM/DD/{table}-YYYYMMDDThhmmss.ndjson.gz.
func batchKey(prefix, table string, ts time.Time) string {
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%s-%s.ndjson.gz",
		prefix, table, ts.Year(), ts.Month(), ts.Day(), table, ts.Format("20060102T150405"))
}

func encodeNDJSONGzip(records []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
