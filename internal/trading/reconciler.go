// Package trading hosts the services that keep the ledger consistent with
// exchange state.
package trading

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"avi5/internal/core"
	"avi5/internal/exchange"
	"avi5/pkg/telemetry"
)

const reconcileLockName = "positions_reconciliation"

// PositionLister is the REST surface the reconciler needs.
type PositionLister interface {
	GetPositions(ctx context.Context) ([]exchange.ExchangePosition, error)
}

// ReconcilerConfig holds reconciliation settings.
type ReconcilerConfig struct {
	Interval               time.Duration
	LockTTL                time.Duration
	CloseMissingOnExchange bool
}

// Reconciler periodically diffs open ledger positions against exchange
// positions under a distributed lock.
type Reconciler struct {
	cfg       ReconcilerConfig
	client    PositionLister
	positions core.PositionRepository
	locker    core.Locker
	logger    core.ILogger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statusMu sync.RWMutex
	lastRun  time.Time
	lastErr  error
}

// NewReconciler creates the reconciler.
func NewReconciler(cfg ReconcilerConfig, client PositionLister, positions core.PositionRepository, locker core.Locker, logger core.ILogger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:       cfg,
		client:    client,
		positions: positions,
		locker:    locker,
		logger:    logger.WithField("component", "reconciler"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciler", "interval", r.cfg.Interval)
	r.wg.Add(1)
	go r.runLoop()
	return nil
}

// Stop stops the reconciler and waits for the loop to drain.
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			passCtx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
			err := r.Reconcile(passCtx)
			cancel()

			r.statusMu.Lock()
			r.lastRun = r.now()
			r.lastErr = err
			r.statusMu.Unlock()

			if err != nil {
				r.logger.Error("Reconciliation pass failed", "error", err)
			}
		}
	}
}

// LastRun returns the time and error of the most recent pass.
func (r *Reconciler) LastRun() (time.Time, error) {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.lastRun, r.lastErr
}

// Reconcile runs one pass under the named lock. If another node holds the
// lock the pass is a silent no-op.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	ran, err := r.locker.TryWithLock(ctx, reconcileLockName, r.cfg.LockTTL, r.reconcileLocked)
	if err != nil {
		return err
	}
	if !ran {
		r.logger.Debug("Reconciliation lock held elsewhere, skipping")
	}
	return nil
}

type posKey struct {
	symbol    string
	direction core.Direction
}

func (r *Reconciler) reconcileLocked(ctx context.Context) error {
	open, err := r.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	exchPositions, err := r.client.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch exchange positions: %w", err)
	}

	dbIndex := make(map[posKey]*core.Position, len(open))
	for _, p := range open {
		dbIndex[posKey{strings.ToUpper(p.Symbol), p.Direction}] = p
	}
	exchIndex := make(map[posKey]exchange.ExchangePosition, len(exchPositions))
	for _, p := range exchPositions {
		exchIndex[posKey{strings.ToUpper(p.Symbol), p.Direction()}] = p
	}

	corrections := 0

	for key, dbPos := range dbIndex {
		exchPos, onExchange := exchIndex[key]
		if !onExchange {
			r.logger.Warn("Position open in ledger but absent on exchange",
				"symbol", key.symbol, "direction", key.direction, "position_id", dbPos.ID)
			if r.cfg.CloseMissingOnExchange {
				if err := r.positions.Close(ctx, dbPos.ID, r.now()); err != nil {
					return fmt.Errorf("close orphaned position %s: %w", dbPos.ID, err)
				}
				corrections++
			}
			continue
		}

		if !exchPos.Size.Equal(dbPos.SizeBase) {
			sizeQuote := exchPos.Size.Mul(exchPos.EntryPrice).Abs()
			r.logger.Warn("Position size drift, syncing to exchange",
				"symbol", key.symbol, "direction", key.direction,
				"db_size", dbPos.SizeBase, "exch_size", exchPos.Size)
			if err := r.positions.UpdateSize(ctx, dbPos.ID, exchPos.Size, sizeQuote); err != nil {
				return fmt.Errorf("sync size for position %s: %w", dbPos.ID, err)
			}
			corrections++
		}
	}

	for key := range exchIndex {
		if _, tracked := dbIndex[key]; !tracked {
			// Never place or cancel orders from here; flag for the operator.
			r.logger.Error("Exchange position with no ledger entry",
				"symbol", key.symbol, "direction", key.direction)
		}
	}

	if corrections > 0 {
		telemetry.GetGlobalMetrics().ReconcileCorrections.Add(ctx, int64(corrections))
	}
	r.logger.Info("Reconciliation pass complete", "ledger_open", len(open), "exchange_open", len(exchPositions), "corrections", corrections)
	return nil
}
