package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"avi5/internal/core"
	apperrors "avi5/pkg/errors"
	pkghttp "avi5/pkg/http"

	"github.com/shopspring/decimal"
)

// retCodes that indicate a business-level order failure rather than a
// generic API error.
var executionRetCodes = map[int]bool{
	10001:  true,
	10002:  true,
	130021: true,
	130024: true,
}

// RestClient talks to the Bybit v5 REST API for linear contracts.
type RestClient struct {
	httpc   *pkghttp.Client
	limiter *RateLimiter
	logger  core.ILogger
}

// NewRestClient creates the client. signer may be nil for public-only use.
func NewRestClient(baseURL string, signer *Signer, limiter *RateLimiter, logger core.ILogger) *RestClient {
	var s pkghttp.Signer
	if signer != nil {
		s = signer
	}
	return &RestClient{
		httpc:   pkghttp.NewClient(baseURL, 10*time.Second, s),
		limiter: limiter,
		logger:  logger.WithField("component", "bybit_rest"),
	}
}

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// classify maps a non-zero retCode to the error taxonomy.
func classify(retCode int, retMsg string) error {
	if retCode == 0 {
		return nil
	}
	if executionRetCodes[retCode] {
		return &apperrors.ExecutionError{Code: retCode, Msg: retMsg}
	}
	return fmt.Errorf("%w: retCode=%d msg=%s", apperrors.ErrExternalAPI, retCode, retMsg)
}

func (c *RestClient) withBucket(ctx context.Context, bucket Bucket, weight float64) context.Context {
	return pkghttp.WithPreAttempt(ctx, func(ctx context.Context) error {
		return c.limiter.ConsumeN(ctx, bucket, weight)
	})
}

func (c *RestClient) call(ctx context.Context, raw []byte, callErr error) (json.RawMessage, error) {
	if callErr != nil {
		return nil, callErr
	}
	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", apperrors.ErrExternalAPI, err)
	}
	if err := classify(resp.RetCode, resp.RetMsg); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// PlaceOrder creates a limit post-only order and returns the exchange order ID.
func (c *RestClient) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error) {
	body := map[string]interface{}{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        req.Side,
		"orderType":   "Limit",
		"qty":         req.Qty.String(),
		"price":       req.Price.String(),
		"timeInForce": "PostOnly",
		"orderLinkId": req.OrderLinkID,
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	ctx = c.withBucket(ctx, BucketOrder, 1)
	raw, err := c.httpc.Post(ctx, "/v5/order/create", body)
	result, err := c.call(ctx, raw, err)
	if err != nil {
		return "", err
	}

	var parsed struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil || parsed.OrderID == "" {
		return "", fmt.Errorf("%w: order create response missing orderId", apperrors.ErrExternalAPI)
	}
	return parsed.OrderID, nil
}

// CancelOrder cancels an order by exchange ID.
func (c *RestClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}

	ctx = c.withBucket(ctx, BucketOrder, 1)
	raw, err := c.httpc.Post(ctx, "/v5/order/cancel", body)
	_, err = c.call(ctx, raw, err)
	return err
}

// GetOrder returns the current state of an order.
func (c *RestClient) GetOrder(ctx context.Context, symbol, orderID string) (*OrderState, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}

	ctx = c.withBucket(ctx, BucketRead, 1)
	raw, err := c.httpc.Get(ctx, "/v5/order/realtime", params)
	result, err := c.call(ctx, raw, err)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			OrderStatus string `json:"orderStatus"`
			Qty         string `json:"qty"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed order list: %v", apperrors.ErrExternalAPI, err)
	}
	if len(parsed.List) == 0 {
		return nil, fmt.Errorf("%w: orderId=%s", apperrors.ErrOrderNotFound, orderID)
	}

	o := parsed.List[0]
	state := &OrderState{
		OrderID:     o.OrderID,
		OrderLinkID: o.OrderLinkID,
		Status:      o.OrderStatus,
	}
	state.Qty, _ = core.ToDecimal(o.Qty)
	state.CumExecQty, _ = core.ToDecimal(o.CumExecQty)
	state.AvgPrice, _ = core.ToDecimal(o.AvgPrice)
	return state, nil
}

// GetPositions returns all current linear positions with non-zero size.
func (c *RestClient) GetPositions(ctx context.Context) ([]ExchangePosition, error) {
	params := map[string]string{
		"category":   "linear",
		"settleCoin": "USDT",
	}

	ctx = c.withBucket(ctx, BucketRead, 1)
	raw, err := c.httpc.Get(ctx, "/v5/position/list", params)
	result, err := c.call(ctx, raw, err)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		List []struct {
			Symbol     string `json:"symbol"`
			Side       string `json:"side"`
			Size       string `json:"size"`
			AvgPrice   string `json:"avgPrice"`
			EntryPrice string `json:"entryPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed position list: %v", apperrors.ErrExternalAPI, err)
	}

	positions := make([]ExchangePosition, 0, len(parsed.List))
	for _, p := range parsed.List {
		size, _ := core.ToDecimal(p.Size)
		if size.IsZero() {
			continue
		}
		entryStr := p.EntryPrice
		if entryStr == "" {
			entryStr = p.AvgPrice
		}
		entry, _ := core.ToDecimal(entryStr)
		positions = append(positions, ExchangePosition{
			Symbol:     p.Symbol,
			Side:       p.Side,
			Size:       size,
			EntryPrice: entry,
		})
	}
	return positions, nil
}

// GetKlines returns up to limit candles, oldest first. The exchange returns
// newest first, so the list is reversed.
func (c *RestClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]core.ConfirmedCandle, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"interval": interval,
		"limit":    fmt.Sprintf("%d", limit),
	}

	ctx = c.withBucket(ctx, BucketRead, 1)
	raw, err := c.httpc.Get(ctx, "/v5/market/kline", params)
	result, err := c.call(ctx, raw, err)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed kline list: %v", apperrors.ErrExternalAPI, err)
	}

	candles := make([]core.ConfirmedCandle, 0, len(parsed.List))
	for i := len(parsed.List) - 1; i >= 0; i-- {
		row := parsed.List[i]
		if len(row) < 6 {
			continue
		}
		var startMS int64
		if _, err := fmt.Sscanf(row[0], "%d", &startMS); err != nil {
			continue
		}
		candle := core.ConfirmedCandle{
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  time.UnixMilli(startMS),
			Confirmed: true,
		}
		if minutes, serr := parseIntervalMinutes(interval); serr == nil {
			candle.CloseTime = candle.OpenTime.Add(time.Duration(minutes) * time.Minute)
		}
		candle.Open, _ = core.ToDecimal(row[1])
		candle.High, _ = core.ToDecimal(row[2])
		candle.Low, _ = core.ToDecimal(row[3])
		candle.Close, _ = core.ToDecimal(row[4])
		candle.Volume, _ = core.ToDecimal(row[5])
		if len(row) > 6 {
			candle.Turnover, _ = core.ToDecimal(row[6])
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// GetOrderbook returns an orderbook snapshot at the given depth.
func (c *RestClient) GetOrderbook(ctx context.Context, symbol string, depth int) (*Orderbook, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"limit":    fmt.Sprintf("%d", depth),
	}

	ctx = c.withBucket(ctx, BucketRead, 1)
	raw, err := c.httpc.Get(ctx, "/v5/market/orderbook", params)
	result, err := c.call(ctx, raw, err)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed orderbook: %v", apperrors.ErrExternalAPI, err)
	}

	book := &Orderbook{Symbol: parsed.Symbol}
	book.Bids = parseLevels(parsed.Bids)
	book.Asks = parseLevels(parsed.Asks)
	return book, nil
}

// parseIntervalMinutes maps a numeric kline interval ("1", "5", "60") to
// minutes. Letter intervals (D/W/M) are not used by the strategy.
func parseIntervalMinutes(interval string) (int, error) {
	var minutes int
	if _, err := fmt.Sscanf(interval, "%d", &minutes); err != nil || minutes <= 0 {
		return 0, fmt.Errorf("non-numeric interval %q", interval)
	}
	return minutes, nil
}

func parseLevels(rows [][]string) []core.BookLevel {
	levels := make([]core.BookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, err1 := decimal.NewFromString(row[0])
		size, err2 := decimal.NewFromString(row[1])
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, core.BookLevel{Price: price, Size: size})
	}
	return levels
}
