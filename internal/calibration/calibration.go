// Package calibration derives the hourly sizing threshold from historical
// signals and monitors the probability distribution for drift.
package calibration

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"avi5/internal/core"
)

const (
	calibrationLockName = "model_calibration"

	thetaKey    = "avi5:calibration:theta_per_hour"
	baselineKey = "avi5:calibration:probability_hist_baseline"

	histBuckets = 10
	psiEpsilon  = 1e-4
)

// Config holds calibration policy.
type Config struct {
	TrainWindow    time.Duration
	OOSWindow      time.Duration
	TargetQuantile float64
	ThetaMin       float64
	ThetaMax       float64
	PSIThreshold   float64
	LockTTL        time.Duration
}

// DefaultConfig returns the production policy: 180d training, 30d
// out-of-sample, 0.7 quantile, theta clamped to [0.15, 0.50], PSI alert
// above 0.2.
func DefaultConfig() Config {
	return Config{
		TrainWindow:    180 * 24 * time.Hour,
		OOSWindow:      30 * 24 * time.Hour,
		TargetQuantile: 0.7,
		ThetaMin:       0.15,
		ThetaMax:       0.50,
		PSIThreshold:   0.2,
		LockTTL:        10 * time.Minute,
	}
}

// Calibrator trains the theta map and runs drift checks.
type Calibrator struct {
	cfg     Config
	signals core.SignalRepository
	kv      core.KVStore
	locker  core.Locker
	logger  core.ILogger
	now     func() time.Time
}

// NewCalibrator creates the calibrator.
func NewCalibrator(cfg Config, signals core.SignalRepository, kv core.KVStore, locker core.Locker, logger core.ILogger) *Calibrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Calibrator{
		cfg:     cfg,
		signals: signals,
		kv:      kv,
		locker:  locker,
		logger:  logger.WithField("component", "calibration"),
		now:     time.Now,
	}
}

// Calibrate runs one training pass followed by a drift check under the
// calibration lock. If another node holds the lock the pass is skipped and
// the result reads as no drift information.
func (c *Calibrator) Calibrate(ctx context.Context) (*float64, bool, error) {
	var (
		psi *float64
		ok  bool
	)
	ran, err := c.locker.TryWithLock(ctx, calibrationLockName, c.cfg.LockTTL, func(ctx context.Context) error {
		if trainErr := c.Train(ctx); trainErr != nil {
			return trainErr
		}
		var driftErr error
		psi, ok, driftErr = c.CheckDrift(ctx)
		return driftErr
	})
	if err != nil {
		return nil, false, err
	}
	if !ran {
		c.logger.Debug("Calibration lock held elsewhere, skipping")
		return nil, false, nil
	}
	return psi, ok, nil
}

// Train recomputes theta per hour-of-day from the training window and
// refreshes the PSI baseline histogram.
func (c *Calibrator) Train(ctx context.Context) error {
	cutoff := c.now().Add(-c.cfg.TrainWindow)
	signals, err := c.signals.ListCreatedAfter(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load training signals: %w", err)
	}
	if len(signals) == 0 {
		c.logger.Warn("No signals in training window, keeping previous calibration", "cutoff", cutoff)
		return nil
	}

	byHour := make(map[int][]float64)
	all := make([]float64, 0, len(signals))
	for _, sig := range signals {
		p, _ := sig.Probability.Float64()
		byHour[sig.CreatedAt.UTC().Hour()] = append(byHour[sig.CreatedAt.UTC().Hour()], p)
		all = append(all, p)
	}

	thetaMap := make(map[string]float64, len(byHour))
	for hour, probs := range byHour {
		theta := quantile(probs, c.cfg.TargetQuantile)
		theta = math.Min(math.Max(theta, c.cfg.ThetaMin), c.cfg.ThetaMax)
		thetaMap[strconv.Itoa(hour)] = theta
	}

	thetaJSON, err := json.Marshal(thetaMap)
	if err != nil {
		return fmt.Errorf("encode theta map: %w", err)
	}
	if err := c.kv.Set(ctx, thetaKey, string(thetaJSON), 0); err != nil {
		return fmt.Errorf("persist theta map: %w", err)
	}

	baseline := histogram(all)
	baselineJSON, err := json.Marshal(baseline)
	if err != nil {
		return fmt.Errorf("encode baseline histogram: %w", err)
	}
	if err := c.kv.Set(ctx, baselineKey, string(baselineJSON), 0); err != nil {
		return fmt.Errorf("persist baseline histogram: %w", err)
	}

	c.logger.Info("Calibration trained", "signals", len(signals), "hours", len(thetaMap))
	return nil
}

// CheckDrift compares the out-of-sample probability histogram against the
// stored baseline. Without a baseline, or with an empty out-of-sample
// window, it reports (nil, false).
func (c *Calibrator) CheckDrift(ctx context.Context) (*float64, bool, error) {
	raw, found, err := c.kv.Get(ctx, baselineKey)
	if err != nil {
		return nil, false, fmt.Errorf("load baseline histogram: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	var baseline []float64
	if err := json.Unmarshal([]byte(raw), &baseline); err != nil || len(baseline) != histBuckets {
		c.logger.Warn("Discarding malformed baseline histogram", "error", err)
		return nil, false, nil
	}

	cutoff := c.now().Add(-c.cfg.OOSWindow)
	signals, err := c.signals.ListCreatedAfter(ctx, cutoff)
	if err != nil {
		return nil, false, fmt.Errorf("load out-of-sample signals: %w", err)
	}
	if len(signals) == 0 {
		return nil, false, nil
	}

	probs := make([]float64, len(signals))
	for i, sig := range signals {
		probs[i], _ = sig.Probability.Float64()
	}

	psi := populationStabilityIndex(histogram(probs), baseline)
	ok := psi <= c.cfg.PSIThreshold
	if !ok {
		c.logger.Warn("Probability distribution drift detected", "psi", psi, "threshold", c.cfg.PSIThreshold)
	}
	return &psi, ok, nil
}

// quantile returns the q-th quantile of values using linear interpolation
// between order statistics.
func quantile(values []float64, q float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// histogram returns bucket proportions of values over [0,1] in ten equal
// buckets. Values at 1.0 land in the last bucket.
func histogram(values []float64) []float64 {
	counts := make([]float64, histBuckets)
	for _, v := range values {
		idx := int(v * histBuckets)
		if idx < 0 {
			idx = 0
		}
		if idx >= histBuckets {
			idx = histBuckets - 1
		}
		counts[idx]++
	}
	total := float64(len(values))
	if total == 0 {
		return counts
	}
	for i := range counts {
		counts[i] /= total
	}
	return counts
}

// populationStabilityIndex computes sum((a-e)*ln(a/e)) with a floor for
// empty buckets.
func populationStabilityIndex(actual, expected []float64) float64 {
	psi := 0.0
	for i := range actual {
		a := math.Max(actual[i], psiEpsilon)
		e := math.Max(expected[i], psiEpsilon)
		psi += (a - e) * math.Log(a/e)
	}
	return psi
}
