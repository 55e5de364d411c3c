// Package exchange implements the Bybit v5 gateway: rate limiting, signed
// REST calls and the websocket client.
package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	apperrors "avi5/pkg/errors"
)

// Bucket identifies a rate-limit token bucket.
type Bucket string

const (
	BucketRead  Bucket = "read"
	BucketOrder Bucket = "order"
	BucketWSSub Bucket = "ws_sub"
)

// tokenBucket is a refillable token bucket. The mutex serialises refill and
// subtraction so tokens are never oversold.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
	maxWait  time.Duration
}

func newTokenBucket(capacity, rate float64, maxWait time.Duration) *tokenBucket {
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     rate,
		last:     time.Now(),
		maxWait:  maxWait,
	}
}

// RateLimiter groups the read, order and ws_sub buckets.
type RateLimiter struct {
	buckets map[Bucket]*tokenBucket
}

// NewRateLimiter creates the limiter with the exchange's documented budgets:
// read 1200 cap at 20/s, order 10 cap at 10/s, ws_sub 30 cap at 30/s. Wait
// ceilings are 5s, 3s and 2s respectively.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: map[Bucket]*tokenBucket{
			BucketRead:  newTokenBucket(1200, 20, 5*time.Second),
			BucketOrder: newTokenBucket(10, 10, 3*time.Second),
			BucketWSSub: newTokenBucket(30, 30, 2*time.Second),
		},
	}
}

// Consume acquires a single token.
func (r *RateLimiter) Consume(ctx context.Context, bucket Bucket) error {
	return r.ConsumeN(ctx, bucket, 1)
}

// ConsumeN acquires n tokens, sleeping with ±10% jitter while the bucket
// refills. Waits beyond the bucket's ceiling fail with ErrRateLimitTimeout.
func (r *RateLimiter) ConsumeN(ctx context.Context, bucket Bucket, n float64) error {
	b, ok := r.buckets[bucket]
	if !ok {
		return fmt.Errorf("unknown rate limit bucket: %s", bucket)
	}
	if n > b.capacity {
		return fmt.Errorf("requested %v tokens exceeds bucket capacity %v", n, b.capacity)
	}

	deadline := time.Now().Add(b.maxWait)
	for {
		b.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(b.last).Seconds()
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now

		if b.tokens >= n {
			b.tokens -= n
			b.mu.Unlock()
			return nil
		}

		wait := time.Duration((n - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		wait = time.Duration(float64(wait) * (0.9 + 0.2*rand.Float64()))

		if time.Now().Add(wait).After(deadline) {
			return fmt.Errorf("%w: bucket=%s waited past %s ceiling", apperrors.ErrRateLimitTimeout, bucket, b.maxWait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Tokens returns the current token count after a refill, for inspection.
func (r *RateLimiter) Tokens(bucket Bucket) float64 {
	b, ok := r.buckets[bucket]
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
	return b.tokens
}
