package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names.
const (
	MetricSignalsGeneratedTotal = "avi5_signals_generated_total"
	MetricSignalsRejectedTotal  = "avi5_signals_rejected_total"
	MetricOrdersPlacedTotal     = "avi5_orders_placed_total"
	MetricOrdersFailedTotal     = "avi5_orders_failed_total"
	MetricFillsTotal            = "avi5_fills_total"
	MetricReconcileCorrections  = "avi5_reconcile_corrections_total"
	MetricArchiveBatchesTotal   = "avi5_archive_batches_total"
	MetricWSReconnectsTotal     = "avi5_ws_reconnects_total"
	MetricWSGapResyncsTotal     = "avi5_ws_gap_resyncs_total"
	MetricPositionsOpen         = "avi5_positions_open"
	MetricTotalRiskR            = "avi5_total_risk_r"
	MetricLatencyExchange       = "avi5_latency_exchange_ms"
)

// MetricsHolder holds the initialized instruments.
type MetricsHolder struct {
	SignalsGeneratedTotal metric.Int64Counter
	SignalsRejectedTotal  metric.Int64Counter
	OrdersPlacedTotal     metric.Int64Counter
	OrdersFailedTotal     metric.Int64Counter
	FillsTotal            metric.Int64Counter
	ReconcileCorrections  metric.Int64Counter
	ArchiveBatchesTotal   metric.Int64Counter
	WSReconnectsTotal     metric.Int64Counter
	WSGapResyncsTotal     metric.Int64Counter
	PositionsOpen         metric.Int64ObservableGauge
	TotalRiskR            metric.Float64ObservableGauge
	LatencyExchange       metric.Float64Histogram

	mu            sync.RWMutex
	positionsOpen int64
	totalRiskR    float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments are
// backed by a noop meter until Setup installs the real provider, so call
// sites never need nil checks.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
		_ = globalMetrics.InitMetrics(noop.NewMeterProvider().Meter("avi5"))
	})
	return globalMetrics
}

// InitMetrics initializes the instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.SignalsGeneratedTotal, err = meter.Int64Counter(MetricSignalsGeneratedTotal, metric.WithDescription("Total signals generated by the strategy engine"))
	if err != nil {
		return err
	}

	m.SignalsRejectedTotal, err = meter.Int64Counter(MetricSignalsRejectedTotal, metric.WithDescription("Total signals rejected by the risk manager"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total entry orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal, metric.WithDescription("Total orders that failed or timed out"))
	if err != nil {
		return err
	}

	m.FillsTotal, err = meter.Int64Counter(MetricFillsTotal, metric.WithDescription("Total fill events processed"))
	if err != nil {
		return err
	}

	m.ReconcileCorrections, err = meter.Int64Counter(MetricReconcileCorrections, metric.WithDescription("Total corrections applied by the reconciler"))
	if err != nil {
		return err
	}

	m.ArchiveBatchesTotal, err = meter.Int64Counter(MetricArchiveBatchesTotal, metric.WithDescription("Total archive batches uploaded"))
	if err != nil {
		return err
	}

	m.WSReconnectsTotal, err = meter.Int64Counter(MetricWSReconnectsTotal, metric.WithDescription("Total websocket reconnect attempts"))
	if err != nil {
		return err
	}

	m.WSGapResyncsTotal, err = meter.Int64Counter(MetricWSGapResyncsTotal, metric.WithDescription("Total sequence gap resyncs triggered"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.PositionsOpen, err = meter.Int64ObservableGauge(MetricPositionsOpen, metric.WithDescription("Currently open positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.positionsOpen)
			return nil
		}))
	if err != nil {
		return err
	}

	m.TotalRiskR, err = meter.Float64ObservableGauge(MetricTotalRiskR, metric.WithDescription("Sum of open position risk in R units"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.totalRiskR)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetPositionsOpen records the current open position count.
func (m *MetricsHolder) SetPositionsOpen(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsOpen = n
}

// SetTotalRiskR records the current aggregate risk in R units.
func (m *MetricsHolder) SetTotalRiskR(r float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRiskR = r
}

// RecordRejection increments the rejection counter with a reason label.
func (m *MetricsHolder) RecordRejection(ctx context.Context, reason string) {
	if m.SignalsRejectedTotal == nil {
		return
	}
	m.SignalsRejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
