package exchange

import (
	"context"
	"fmt"
	"strings"

	"avi5/internal/core"
)

const resyncKlineLimit = 200

// SnapshotFetcher restores channel state from REST snapshots after a
// websocket sequence gap.
type SnapshotFetcher struct {
	rest   *RestClient
	logger core.ILogger

	// OnKlines and OnOrderbook receive fetched snapshots. Either may be nil.
	OnKlines    func(symbol, interval string, candles []core.ConfirmedCandle)
	OnOrderbook func(book *Orderbook)
}

// NewSnapshotFetcher creates a fetcher backed by the REST client.
func NewSnapshotFetcher(rest *RestClient, logger core.ILogger) *SnapshotFetcher {
	return &SnapshotFetcher{
		rest:   rest,
		logger: logger.WithField("component", "snapshot_fetcher"),
	}
}

// Resync parses the channel name and fetches the matching REST snapshot.
// Supported channels are kline.<interval>.<symbol> and
// orderbook.<depth>.<symbol>; anything else is an error.
func (f *SnapshotFetcher) Resync(ctx context.Context, channel string) error {
	parts := strings.Split(channel, ".")
	if len(parts) != 3 {
		return fmt.Errorf("cannot resync channel %q: unsupported format", channel)
	}

	switch parts[0] {
	case "kline":
		interval, symbol := parts[1], parts[2]
		candles, err := f.rest.GetKlines(ctx, symbol, interval, resyncKlineLimit)
		if err != nil {
			return fmt.Errorf("kline resync for %s: %w", channel, err)
		}
		f.logger.Info("Kline snapshot fetched", "channel", channel, "candles", len(candles))
		if f.OnKlines != nil {
			f.OnKlines(symbol, interval, candles)
		}
		return nil

	case "orderbook":
		depth := 0
		if _, err := fmt.Sscanf(parts[1], "%d", &depth); err != nil || depth <= 0 {
			return fmt.Errorf("cannot resync channel %q: bad depth", channel)
		}
		symbol := parts[2]
		book, err := f.rest.GetOrderbook(ctx, symbol, depth)
		if err != nil {
			return fmt.Errorf("orderbook resync for %s: %w", channel, err)
		}
		f.logger.Info("Orderbook snapshot fetched", "channel", channel, "bids", len(book.Bids), "asks", len(book.Asks))
		if f.OnOrderbook != nil {
			f.OnOrderbook(book)
		}
		return nil

	default:
		return fmt.Errorf("cannot resync channel %q: unknown prefix", channel)
	}
}
