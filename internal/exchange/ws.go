package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"avi5/internal/core"
	"avi5/pkg/concurrency"
	apperrors "avi5/pkg/errors"
	"avi5/pkg/telemetry"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

const (
	wsDialTimeout     = 5 * time.Second
	wsHeartbeatPeriod = 20 * time.Second
	lastSeqTTL        = 3600 * time.Second
)

// Event is one routed message from a websocket stream.
type Event struct {
	Channel  string
	Sequence int64
	Payload  map[string]interface{}
}

// Resyncer restores channel state from a REST snapshot after a sequence gap.
type Resyncer interface {
	Resync(ctx context.Context, channel string) error
}

// WSConfig configures a websocket client.
type WSConfig struct {
	URL                  string
	Signer               *Signer // nil for public streams
	Limiter              *RateLimiter
	Pool                 *concurrency.WorkerPool
	Resyncer             Resyncer
	KV                   core.KVStore // optional last-seq mirror
	Logger               core.ILogger
	MaxReconnectAttempts int
}

// WSClient maintains one connection to a Bybit v5 stream, with auth,
// subscription restoration, gap detection and reconnect.
type WSClient struct {
	cfg    WSConfig
	logger core.ILogger

	mu      sync.Mutex
	conn    *websocket.Conn
	topics  []string
	lastSeq map[string]int64

	writeMu sync.Mutex

	events chan Event

	errMu   sync.Mutex
	termErr error

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSClient creates a client. Connect must be called before Subscribe or
// Listen.
func NewWSClient(cfg WSConfig) *WSClient {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	return &WSClient{
		cfg:     cfg,
		logger:  cfg.Logger.WithField("component", "bybit_ws"),
		lastSeq: make(map[string]int64),
		events:  make(chan Event, 256),
		closed:  make(chan struct{}),
	}
}

// Connect dials the stream and authenticates when credentials are present.
func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", apperrors.ErrWSConnection, c.cfg.URL, err)
	}

	if c.cfg.Signer != nil {
		if err := c.authenticate(conn); err != nil {
			conn.Close()
			return err
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *WSClient) authenticate(conn *websocket.Conn) error {
	authMsg := map[string]interface{}{
		"op":   "auth",
		"args": c.cfg.Signer.WSAuthArgs(),
	}
	if err := conn.WriteJSON(authMsg); err != nil {
		return fmt.Errorf("%w: send auth: %v", apperrors.ErrWSConnection, err)
	}

	conn.SetReadDeadline(time.Now().Add(wsDialTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: read auth response: %v", apperrors.ErrWSConnection, err)
	}

	var resp struct {
		Success bool   `json:"success"`
		RetMsg  string `json:"ret_msg"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || !resp.Success {
		return fmt.Errorf("%w: auth rejected: %s", apperrors.ErrWSConnection, resp.RetMsg)
	}
	return nil
}

// Subscribe consumes one ws_sub token per topic and sends a single
// subscribe frame. Topics are recorded for restoration after reconnect.
func (c *WSClient) Subscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	for range topics {
		if err := c.cfg.Limiter.Consume(ctx, BucketWSSub); err != nil {
			return err
		}
	}
	if err := c.sendSubscribe(topics); err != nil {
		return err
	}

	c.mu.Lock()
	c.topics = append(c.topics, topics...)
	c.mu.Unlock()
	return nil
}

func (c *WSClient) sendSubscribe(topics []string) error {
	args := make([]interface{}, len(topics))
	for i, t := range topics {
		args[i] = t
	}
	return c.writeJSON(map[string]interface{}{"op": "subscribe", "args": args})
}

func (c *WSClient) writeJSON(v interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", apperrors.ErrWSConnection)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: write: %v", apperrors.ErrWSConnection, err)
	}
	return nil
}

// Listen starts the read loop and returns the event channel. The channel is
// closed when the context is cancelled or the reconnect budget is exhausted;
// Err reports the terminal error in the latter case.
func (c *WSClient) Listen(ctx context.Context) <-chan Event {
	go c.run(ctx)
	return c.events
}

// Err returns the terminal error after the event channel closes, if any.
func (c *WSClient) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.termErr
}

// Close tears down the connection.
func (c *WSClient) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *WSClient) run(ctx context.Context) {
	defer close(c.events)

	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)
	go c.heartbeat(heartbeatStop)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			c.setTermErr(fmt.Errorf("%w: not connected", apperrors.ErrWSConnection))
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			default:
			}
			c.logger.Warn("Websocket read failed, reconnecting", "error", err)
			if rerr := c.reconnect(ctx); rerr != nil {
				c.setTermErr(rerr)
				return
			}
			continue
		}

		c.handleMessage(ctx, raw)
	}
}

func (c *WSClient) heartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(wsHeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.writeJSON(map[string]interface{}{"op": "ping"}); err != nil {
				c.logger.Debug("Heartbeat write failed", "error", err)
			}
		}
	}
}

func (c *WSClient) handleMessage(ctx context.Context, raw []byte) {
	if string(raw) == "PING" {
		if err := c.writeJSON("PONG"); err != nil {
			c.logger.Debug("Pong write failed", "error", err)
		}
		return
	}

	var msg map[string]interface{}
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Debug("Dropping non-JSON frame", "raw", string(raw))
		return
	}

	// Control frames and acks carry op or success/request keys.
	if op, ok := msg["op"].(string); ok {
		switch op {
		case "ping", "pong", "subscribe", "auth":
			return
		}
	}
	if _, hasSuccess := msg["success"]; hasSuccess {
		if _, hasRequest := msg["request"]; hasRequest {
			return
		}
	}

	channel := stringField(msg, "topic")
	if channel == "" {
		channel = stringField(msg, "channel")
	}
	if channel == "" {
		return
	}

	seq := intField(msg, "sequence")
	if seq == 0 {
		seq = intField(msg, "ts")
	}

	payload := msg
	if data, ok := msg["data"]; ok {
		if _, isDict := data.(map[string]interface{}); !isDict {
			payload = map[string]interface{}{
				"data":     data,
				"sequence": seq,
				"channel":  channel,
			}
		}
	}

	c.trackSequence(ctx, channel, seq)

	select {
	case c.events <- Event{Channel: channel, Sequence: seq, Payload: payload}:
	case <-ctx.Done():
	}
}

// trackSequence updates the per-channel sequence marker and schedules a
// snapshot resync on a gap. The resync runs on the worker pool so the read
// loop never blocks on REST latency.
func (c *WSClient) trackSequence(ctx context.Context, channel string, seq int64) {
	if seq == 0 {
		return
	}

	c.mu.Lock()
	last, seen := c.lastSeq[channel]
	c.lastSeq[channel] = seq
	c.mu.Unlock()

	if c.cfg.KV != nil {
		if err := c.cfg.KV.Set(ctx, "last_seq:"+channel, fmt.Sprintf("%d", seq), lastSeqTTL); err != nil {
			c.logger.Debug("Failed to mirror sequence marker", "channel", channel, "error", err)
		}
	}

	if !seen || seq == last+1 {
		return
	}

	c.logger.Warn("Sequence gap detected", "channel", channel, "last", last, "seq", seq)
	telemetry.GetGlobalMetrics().WSGapResyncsTotal.Add(ctx, 1)

	if c.cfg.Resyncer == nil || c.cfg.Pool == nil {
		return
	}
	ch := channel
	if err := c.cfg.Pool.Submit(func() {
		if err := c.cfg.Resyncer.Resync(ctx, ch); err != nil {
			c.logger.Error("Snapshot resync failed", "channel", ch, "error", err)
		}
	}); err != nil {
		c.logger.Error("Failed to schedule resync", "channel", ch, "error", err)
	}
}

// reconnect runs the backoff loop, re-authenticates and restores all
// recorded subscriptions. Exhausting the attempt budget is terminal.
func (c *WSClient) reconnect(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    3 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return fmt.Errorf("%w: client closed", apperrors.ErrWSConnection)
		case <-time.After(b.Duration()):
		}

		telemetry.GetGlobalMetrics().WSReconnectsTotal.Add(ctx, 1)

		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		topics := make([]string, len(c.topics))
		copy(topics, c.topics)
		c.mu.Unlock()

		if len(topics) > 0 {
			for range topics {
				if err := c.cfg.Limiter.Consume(ctx, BucketWSSub); err != nil {
					c.logger.Warn("Resubscribe rate limit wait failed", "error", err)
				}
			}
			if err := c.sendSubscribe(topics); err != nil {
				c.logger.Warn("Resubscribe failed after reconnect", "error", err)
				continue
			}
		}

		c.logger.Info("Websocket reconnected", "attempt", attempt, "topics", len(topics))
		return nil
	}

	return fmt.Errorf("%w: reconnect budget exhausted after %d attempts", apperrors.ErrWSConnection, c.cfg.MaxReconnectAttempts)
}

func (c *WSClient) setTermErr(err error) {
	c.errMu.Lock()
	c.termErr = err
	c.errMu.Unlock()
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func intField(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		var n int64
		fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}
