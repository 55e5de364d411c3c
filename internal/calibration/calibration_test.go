package calibration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"avi5/internal/core"
	"avi5/internal/store"
	"avi5/pkg/logging"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) core.ILogger {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return logger
}

func signalAt(t *testing.T, signals *store.MemorySignalStore, createdAt time.Time, prob float64) {
	t.Helper()
	sig := &core.Signal{
		ID:          uuid.New(),
		Symbol:      "BTCUSDT",
		Direction:   core.DirectionLong,
		EntryPrice:  decimal.NewFromInt(100),
		Stake:       decimal.NewFromInt(30),
		Probability: decimal.NewFromFloat(prob),
		Status:      core.SignalStatusExecuted,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	require.NoError(t, signals.Create(context.Background(), sig))
}

type passLocker struct {
	held  bool
	names []string
}

func (l *passLocker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (l *passLocker) TryWithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	l.names = append(l.names, name)
	if l.held {
		return false, nil
	}
	return true, fn(ctx)
}

func newTestCalibrator(t *testing.T) (*Calibrator, *store.MemorySignalStore, *store.MemoryKV) {
	t.Helper()
	signals := store.NewMemorySignalStore()
	kv := store.NewMemoryKV()
	c := NewCalibrator(DefaultConfig(), signals, kv, &passLocker{}, testLogger(t))
	return c, signals, kv
}

func loadThetaMap(t *testing.T, kv *store.MemoryKV) map[string]float64 {
	t.Helper()
	raw, found, err := kv.Get(context.Background(), "avi5:calibration:theta_per_hour")
	require.NoError(t, err)
	require.True(t, found)
	var m map[string]float64
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestTrainPersistsPerHourTheta(t *testing.T) {
	c, signals, kv := newTestCalibrator(t)

	// Hour 9 UTC: probabilities 0.2, 0.3, 0.4. The 0.7 quantile
	// interpolates to 0.34.
	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	signalAt(t, signals, base, 0.2)
	signalAt(t, signals, base.Add(time.Minute), 0.3)
	signalAt(t, signals, base.Add(2*time.Minute), 0.4)

	// Hour 14 UTC: single very high probability, clamped to the 0.50 cap.
	signalAt(t, signals, base.Add(5*time.Hour), 0.9)

	require.NoError(t, c.Train(context.Background()))

	thetas := loadThetaMap(t, kv)
	require.Len(t, thetas, 2)
	assert.InDelta(t, 0.34, thetas["9"], 1e-9)
	assert.InDelta(t, 0.50, thetas["14"], 1e-9)
}

func TestTrainClampsLowTheta(t *testing.T) {
	c, signals, kv := newTestCalibrator(t)

	base := time.Date(2026, 8, 20, 3, 0, 0, 0, time.UTC)
	signalAt(t, signals, base, 0.01)
	signalAt(t, signals, base.Add(time.Minute), 0.02)

	require.NoError(t, c.Train(context.Background()))

	thetas := loadThetaMap(t, kv)
	assert.InDelta(t, 0.15, thetas["3"], 1e-9, "floor applies to quiet hours")
}

func TestTrainEmptyWindowKeepsPrevious(t *testing.T) {
	c, _, kv := newTestCalibrator(t)
	require.NoError(t, kv.Set(context.Background(), "avi5:calibration:theta_per_hour", `{"9":0.3}`, 0))

	require.NoError(t, c.Train(context.Background()))

	thetas := loadThetaMap(t, kv)
	assert.InDelta(t, 0.3, thetas["9"], 1e-9)
}

func TestTrainWritesBaselineHistogram(t *testing.T) {
	c, signals, kv := newTestCalibrator(t)

	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	signalAt(t, signals, base, 0.25)
	signalAt(t, signals, base.Add(time.Minute), 0.25)
	signalAt(t, signals, base.Add(2*time.Minute), 0.95)
	signalAt(t, signals, base.Add(3*time.Minute), 1.0)

	require.NoError(t, c.Train(context.Background()))

	raw, found, err := kv.Get(context.Background(), "avi5:calibration:probability_hist_baseline")
	require.NoError(t, err)
	require.True(t, found)

	var hist []float64
	require.NoError(t, json.Unmarshal([]byte(raw), &hist))
	require.Len(t, hist, 10)
	assert.InDelta(t, 0.5, hist[2], 1e-9)
	assert.InDelta(t, 0.5, hist[9], 1e-9, "values at 1.0 land in the last bucket")
}

func TestCheckDriftWithoutBaseline(t *testing.T) {
	c, signals, _ := newTestCalibrator(t)
	signalAt(t, signals, time.Now().Add(-time.Hour), 0.3)

	psi, ok, err := c.CheckDrift(context.Background())
	require.NoError(t, err)
	assert.Nil(t, psi)
	assert.False(t, ok)
}

func TestCheckDriftMalformedBaseline(t *testing.T) {
	c, signals, kv := newTestCalibrator(t)
	signalAt(t, signals, time.Now().Add(-time.Hour), 0.3)
	require.NoError(t, kv.Set(context.Background(), "avi5:calibration:probability_hist_baseline", `{"not":"a histogram"}`, 0))

	psi, ok, err := c.CheckDrift(context.Background())
	require.NoError(t, err)
	assert.Nil(t, psi)
	assert.False(t, ok)
}

func TestCheckDriftEmptyOOSWindow(t *testing.T) {
	c, signals, _ := newTestCalibrator(t)

	// Training data old enough to fall outside the 30d out-of-sample window.
	signalAt(t, signals, time.Now().Add(-60*24*time.Hour), 0.3)
	require.NoError(t, c.Train(context.Background()))

	psi, ok, err := c.CheckDrift(context.Background())
	require.NoError(t, err)
	assert.Nil(t, psi)
	assert.False(t, ok)
}

func TestCheckDriftStableDistribution(t *testing.T) {
	c, signals, _ := newTestCalibrator(t)

	for i := 0; i < 20; i++ {
		signalAt(t, signals, time.Now().Add(-time.Duration(i+1)*time.Hour), 0.25)
		signalAt(t, signals, time.Now().Add(-time.Duration(i+1)*time.Hour-time.Minute), 0.45)
	}
	require.NoError(t, c.Train(context.Background()))

	psi, ok, err := c.CheckDrift(context.Background())
	require.NoError(t, err)
	require.NotNil(t, psi)
	assert.True(t, ok)
	assert.InDelta(t, 0, *psi, 1e-6, "identical windows have zero drift")
}

func TestCheckDriftShiftedDistribution(t *testing.T) {
	c, signals, kv := newTestCalibrator(t)

	// Baseline mass entirely in bucket 2, live mass entirely in bucket 8.
	baseline := make([]float64, 10)
	baseline[2] = 1.0
	raw, err := json.Marshal(baseline)
	require.NoError(t, err)
	require.NoError(t, kv.Set(context.Background(), "avi5:calibration:probability_hist_baseline", string(raw), 0))

	for i := 0; i < 10; i++ {
		signalAt(t, signals, time.Now().Add(-time.Duration(i+1)*time.Hour), 0.85)
	}

	psi, ok, err := c.CheckDrift(context.Background())
	require.NoError(t, err)
	require.NotNil(t, psi)
	assert.False(t, ok)
	assert.Greater(t, *psi, 0.2)
}

func TestCalibrateTrainsAndChecksDriftUnderLock(t *testing.T) {
	signals := store.NewMemorySignalStore()
	kv := store.NewMemoryKV()
	locker := &passLocker{}
	c := NewCalibrator(DefaultConfig(), signals, kv, locker, testLogger(t))

	for i := 0; i < 10; i++ {
		signalAt(t, signals, time.Now().Add(-time.Duration(i+1)*time.Hour), 0.35)
	}

	psi, ok, err := c.Calibrate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, psi)
	assert.True(t, ok)
	assert.InDelta(t, 0, *psi, 1e-6, "fresh baseline matches the live window")

	assert.Equal(t, []string{"model_calibration"}, locker.names)
	loadThetaMap(t, kv)
}

func TestCalibrateSkipsWhenLockHeld(t *testing.T) {
	signals := store.NewMemorySignalStore()
	kv := store.NewMemoryKV()
	c := NewCalibrator(DefaultConfig(), signals, kv, &passLocker{held: true}, testLogger(t))

	signalAt(t, signals, time.Now().Add(-time.Hour), 0.35)

	psi, ok, err := c.Calibrate(context.Background())
	require.NoError(t, err)
	assert.Nil(t, psi)
	assert.False(t, ok)

	_, found, err := kv.Get(context.Background(), "avi5:calibration:theta_per_hour")
	require.NoError(t, err)
	assert.False(t, found, "a held lock leaves the calibration untouched")
}

func TestQuantileInterpolation(t *testing.T) {
	assert.InDelta(t, 5, quantile([]float64{5}, 0.7), 1e-9)
	assert.InDelta(t, 0.34, quantile([]float64{0.4, 0.2, 0.3}, 0.7), 1e-9)
	assert.InDelta(t, 0.4, quantile([]float64{0.2, 0.3, 0.4}, 1.0), 1e-9)
	assert.InDelta(t, 0.2, quantile([]float64{0.2, 0.3, 0.4}, 0.0), 1e-9)
}
