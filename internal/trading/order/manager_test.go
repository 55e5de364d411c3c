package order

import (
	"context"
	"testing"
	"time"

	"avi5/internal/core"
	"avi5/internal/exchange"
	"avi5/internal/store"
	apperrors "avi5/pkg/errors"
	"avi5/pkg/logging"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func testLogger(t *testing.T) core.ILogger {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return logger
}

type fakeExchange struct {
	placed    []exchange.PlaceOrderRequest
	cancelled []string
	states    []*exchange.OrderState
	stateIdx  int
	placeErr  error
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (string, error) {
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, req)
	return "oid-1", nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, symbol, orderID string) (*exchange.OrderState, error) {
	if len(f.states) == 0 {
		return nil, apperrors.ErrOrderNotFound
	}
	state := f.states[f.stateIdx]
	if f.stateIdx < len(f.states)-1 {
		f.stateIdx++
	}
	return state, nil
}

type fakeRisk struct {
	allowed bool
	reason  string
	opened  []string
}

func (f *fakeRisk) Check(ctx context.Context, sig *core.Signal) (bool, string, error) {
	return f.allowed, f.reason, nil
}

func (f *fakeRisk) OnPositionOpen(ctx context.Context, symbol string, dir core.Direction) {
	f.opened = append(f.opened, symbol)
}

type fixture struct {
	mgr       *Manager
	client    *fakeExchange
	signals   *store.MemorySignalStore
	positions *store.MemoryPositionStore
	kv        *store.MemoryKV
	risk      *fakeRisk
	sig       *core.Signal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		client:    &fakeExchange{},
		signals:   store.NewMemorySignalStore(),
		positions: store.NewMemoryPositionStore(),
		kv:        store.NewMemoryKV(),
		risk:      &fakeRisk{allowed: true},
	}

	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.OrderTimeout = 100 * time.Millisecond

	f.mgr = NewManager(cfg, f.client, f.signals, f.positions, f.risk, f.kv, testLogger(t))

	f.sig = &core.Signal{
		ID:         uuid.New(),
		Symbol:     "BTCUSDT",
		Direction:  core.DirectionLong,
		EntryPrice: d(100),
		Stake:      d(100),
		Status:     core.SignalStatusNew,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, f.signals.Create(context.Background(), f.sig))
	return f
}

func state(status string, qty, cumExec, avg float64) *exchange.OrderState {
	return &exchange.OrderState{
		OrderID:    "oid-1",
		Status:     status,
		Qty:        d(qty),
		CumExecQty: d(cumExec),
		AvgPrice:   d(avg),
	}
}

func TestPlaceOrderFullFill(t *testing.T) {
	f := newFixture(t)
	f.client.states = []*exchange.OrderState{state("Filled", 1, 1, 100)}

	pos, err := f.mgr.PlaceOrder(context.Background(), f.sig.ID)
	require.NoError(t, err)
	require.NotNil(t, pos)

	// Stake 100 at entry 100 gives qty 1.
	require.Len(t, f.client.placed, 1)
	assert.True(t, f.client.placed[0].Qty.Equal(d(1)))
	assert.Equal(t, "Buy", f.client.placed[0].Side)
	assert.Equal(t, f.sig.ID.String(), f.client.placed[0].OrderLinkID)

	assert.True(t, pos.FillRatio.Equal(d(1)))
	assert.True(t, pos.SizeBase.Equal(d(1)))
	assert.True(t, pos.SizeQuote.Equal(d(100)))
	assert.True(t, pos.SlippageBps.IsZero())

	stored, err := f.signals.GetByID(context.Background(), f.sig.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SignalStatusExecuted, stored.Status)
	assert.Equal(t, []string{"BTCUSDT"}, f.risk.opened)
}

func TestPlaceOrderPartialFillOpens(t *testing.T) {
	f := newFixture(t)
	// Terminal cancel at 0.8 filled: above the 0.5 floor, position opens.
	f.client.states = []*exchange.OrderState{state("Cancelled", 1, 0.8, 100)}

	pos, err := f.mgr.PlaceOrder(context.Background(), f.sig.ID)
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.True(t, pos.FillRatio.Equal(d(0.8)))
	assert.True(t, pos.SizeBase.Equal(d(0.8)), "sizeBase = qty * ratio")
	assert.Empty(t, f.client.cancelled)
}

func TestPlaceOrderUnderfillCancels(t *testing.T) {
	f := newFixture(t)
	f.client.states = []*exchange.OrderState{state("Cancelled", 1, 0.3, 100)}

	_, err := f.mgr.PlaceOrder(context.Background(), f.sig.ID)
	require.Error(t, err)

	var execErr *apperrors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, apperrors.CodeUnderfill, execErr.Code)
	assert.Equal(t, []string{"oid-1"}, f.client.cancelled)

	stored, err := f.signals.GetByID(context.Background(), f.sig.ID)
	require.NoError(t, err)
	assert.Equal(t, core.SignalStatusError, stored.Status)
	require.NotNil(t, stored.ErrorCode)
	assert.Equal(t, apperrors.CodeUnderfill, *stored.ErrorCode)

	open, err := f.positions.ListOpen(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPlaceOrderFillTimeout(t *testing.T) {
	f := newFixture(t)
	// Never final, never past the full-fill ratio.
	f.client.states = []*exchange.OrderState{state("New", 1, 0.1, 100)}

	_, err := f.mgr.PlaceOrder(context.Background(), f.sig.ID)
	require.Error(t, err)

	var execErr *apperrors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, apperrors.CodeFillTimeout, execErr.Code)
}

func TestPlaceOrderKillSwitch(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.kv.Set(context.Background(), "kill_switch:active", "1", 0))

	_, err := f.mgr.PlaceOrder(context.Background(), f.sig.ID)
	require.Error(t, err)

	var execErr *apperrors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, apperrors.CodeKillSwitch, execErr.Code)
	assert.Empty(t, f.client.placed, "no order reaches the exchange")
}

func TestPlaceOrderStaleSignal(t *testing.T) {
	f := newFixture(t)
	f.mgr.now = func() time.Time { return f.sig.CreatedAt.Add(6 * time.Second) }

	_, err := f.mgr.PlaceOrder(context.Background(), f.sig.ID)
	require.Error(t, err)

	var execErr *apperrors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, apperrors.CodeStaleSignal, execErr.Code)
}

func TestPlaceOrderRiskReject(t *testing.T) {
	f := newFixture(t)
	f.risk.allowed = false
	f.risk.reason = "max_concurrent"

	_, err := f.mgr.PlaceOrder(context.Background(), f.sig.ID)
	require.Error(t, err)

	var execErr *apperrors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, apperrors.CodeRiskReject, execErr.Code)
	assert.Empty(t, f.client.placed)
}

func TestPlaceOrderEntrySlippageRecorded(t *testing.T) {
	f := newFixture(t)
	// Filled at 101 against a 100 limit: 100 bps against the long.
	f.client.states = []*exchange.OrderState{state("Filled", 1, 1, 101)}

	pos, err := f.mgr.PlaceOrder(context.Background(), f.sig.ID)
	require.NoError(t, err)

	assert.True(t, pos.EntryPrice.Equal(d(101)))
	assert.True(t, pos.SlippageBps.Equal(d(100)), "got %s", pos.SlippageBps)
}

func TestSlippageBps(t *testing.T) {
	// Positive means worse than requested for both directions.
	long := SlippageBps(core.DirectionLong, d(100), d(101))
	assert.True(t, long.Equal(d(100)), "got %s", long)

	short := SlippageBps(core.DirectionShort, d(100), d(99))
	// (100/99 - 1) * 10000 ~ 101.0101...
	assert.True(t, short.GreaterThan(d(101)) && short.LessThan(d(102)), "got %s", short)

	favourable := SlippageBps(core.DirectionLong, d(100), d(99))
	assert.True(t, favourable.IsNegative())

	assert.True(t, SlippageBps(core.DirectionLong, decimal.Zero, d(1)).IsZero())
}

func TestPlaceOrderUnknownSignal(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.PlaceOrder(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSignalNotFound)
}
