package exchange

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"avi5/internal/store"
	"avi5/pkg/concurrency"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingResyncer struct {
	calls atomic.Int64
}

func (r *countingResyncer) Resync(ctx context.Context, channel string) error {
	r.calls.Add(1)
	return nil
}

func newGapTestClient(t *testing.T, resyncer Resyncer, kv *store.MemoryKV) (*WSClient, func()) {
	t.Helper()
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "ws-test",
		MaxWorkers: 2,
	}, testLogger(t))

	cfg := WSConfig{
		URL:      "wss://example.invalid/v5/public",
		Limiter:  NewRateLimiter(),
		Pool:     pool,
		Resyncer: resyncer,
		Logger:   testLogger(t),
	}
	if kv != nil {
		cfg.KV = kv
	}
	c := NewWSClient(cfg)
	return c, pool.Stop
}

// drain consumes routed events until ctx ends so handleMessage never blocks.
func drain(ctx context.Context, c *WSClient) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.events:
			}
		}
	}()
}

func frame(channel string, seq int64) []byte {
	return []byte(`{"topic":"` + channel + `","sequence":` + itoa(seq) + `,"data":{"x":1}}`)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestSequenceGapSchedulesOneResync(t *testing.T) {
	resyncer := &countingResyncer{}
	c, stop := newGapTestClient(t, resyncer, nil)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drain(ctx, c)

	c.handleMessage(ctx, frame("orderbook.50.BTCUSDT", 1))
	c.handleMessage(ctx, frame("orderbook.50.BTCUSDT", 3))

	assert.Eventually(t, func() bool {
		return resyncer.calls.Load() == 1
	}, time.Second, 10*time.Millisecond, "gap 1->3 schedules exactly one resync")
}

func TestContiguousSequenceNoResync(t *testing.T) {
	resyncer := &countingResyncer{}
	c, stop := newGapTestClient(t, resyncer, nil)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drain(ctx, c)

	c.handleMessage(ctx, frame("orderbook.50.BTCUSDT", 1))
	c.handleMessage(ctx, frame("orderbook.50.BTCUSDT", 2))
	c.handleMessage(ctx, frame("orderbook.50.BTCUSDT", 3))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, resyncer.calls.Load())
}

func TestSequenceRestartTriggersResync(t *testing.T) {
	resyncer := &countingResyncer{}
	c, stop := newGapTestClient(t, resyncer, nil)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drain(ctx, c)

	// A sequence that jumps backwards (stream restart) is a gap too.
	c.handleMessage(ctx, frame("orderbook.50.BTCUSDT", 5))
	c.handleMessage(ctx, frame("orderbook.50.BTCUSDT", 1))

	assert.Eventually(t, func() bool {
		return resyncer.calls.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSequencesTrackedPerChannel(t *testing.T) {
	resyncer := &countingResyncer{}
	c, stop := newGapTestClient(t, resyncer, nil)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drain(ctx, c)

	// Interleaved channels each stay contiguous.
	c.handleMessage(ctx, frame("kline.5.BTCUSDT", 1))
	c.handleMessage(ctx, frame("orderbook.50.BTCUSDT", 7))
	c.handleMessage(ctx, frame("kline.5.BTCUSDT", 2))
	c.handleMessage(ctx, frame("orderbook.50.BTCUSDT", 8))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, resyncer.calls.Load())
}

func TestSequenceMirroredToKV(t *testing.T) {
	kv := store.NewMemoryKV()
	c, stop := newGapTestClient(t, &countingResyncer{}, kv)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drain(ctx, c)

	c.handleMessage(ctx, frame("kline.5.BTCUSDT", 42))

	val, ok, err := kv.Get(ctx, "last_seq:kline.5.BTCUSDT")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", val)
}

func TestControlFramesAreElided(t *testing.T) {
	c, stop := newGapTestClient(t, &countingResyncer{}, nil)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.handleMessage(ctx, []byte(`{"op":"subscribe","success":true}`))
	c.handleMessage(ctx, []byte(`{"success":true,"request":{"op":"auth"}}`))
	c.handleMessage(ctx, []byte(`{"no":"topic"}`))

	select {
	case ev := <-c.events:
		t.Fatalf("unexpected event routed: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventPayloadWrapsListData(t *testing.T) {
	c, stop := newGapTestClient(t, &countingResyncer{}, nil)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.handleMessage(ctx, []byte(`{"topic":"kline.5.BTCUSDT","ts":9,"data":[{"close":"1"}]}`))

	select {
	case ev := <-c.events:
		assert.Equal(t, "kline.5.BTCUSDT", ev.Channel)
		assert.EqualValues(t, 9, ev.Sequence)
		_, isList := ev.Payload["data"].([]interface{})
		assert.True(t, isList, "non-dict data is preserved under the data key")
	case <-time.After(time.Second):
		t.Fatal("event not routed")
	}
}
