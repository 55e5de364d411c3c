package exchange

import (
	"github.com/shopspring/decimal"

	"avi5/internal/core"
)

// PlaceOrderRequest describes a limit order to create.
type PlaceOrderRequest struct {
	Symbol      string
	Side        string // "Buy" or "Sell"
	Qty         decimal.Decimal
	Price       decimal.Decimal
	OrderLinkID string
	ReduceOnly  bool
}

// OrderState is the polled state of an order.
type OrderState struct {
	OrderID     string
	OrderLinkID string
	Status      string
	Qty         decimal.Decimal
	CumExecQty  decimal.Decimal
	AvgPrice    decimal.Decimal
}

// ExchangePosition is one entry from the position list endpoint.
type ExchangePosition struct {
	Symbol     string
	Side       string // "Buy" or "Sell"
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
}

// Direction maps the exchange side to a domain direction.
func (p ExchangePosition) Direction() core.Direction {
	if p.Side == "Buy" {
		return core.DirectionLong
	}
	return core.DirectionShort
}

// Orderbook is a REST orderbook snapshot.
type Orderbook struct {
	Symbol string
	Bids   []core.BookLevel
	Asks   []core.BookLevel
}
