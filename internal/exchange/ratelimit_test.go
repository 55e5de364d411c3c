package exchange

import (
	"context"
	"testing"
	"time"

	apperrors "avi5/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterTokenAccounting(t *testing.T) {
	r := NewRateLimiter()
	ctx := context.Background()

	before := r.Tokens(BucketRead)
	require.NoError(t, r.ConsumeN(ctx, BucketRead, 5))
	after := r.Tokens(BucketRead)

	// Refill between the two reads can only add tokens, never subtract.
	assert.InDelta(t, before-5, after, 0.5)
}

func TestRateLimiterDrainsAndRefills(t *testing.T) {
	r := NewRateLimiter()
	ctx := context.Background()

	// Drain the order bucket completely.
	require.NoError(t, r.ConsumeN(ctx, BucketOrder, 10))
	assert.Less(t, r.Tokens(BucketOrder), 1.0)

	// At 10 tokens/s the next single token arrives within the 3s ceiling.
	start := time.Now()
	require.NoError(t, r.Consume(ctx, BucketOrder))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRateLimiterCeilingFailure(t *testing.T) {
	r := NewRateLimiter()
	ctx := context.Background()

	// Drained read bucket refills at 20/s, so 200 tokens need ~10s of
	// refill, well past the 5s ceiling.
	require.NoError(t, r.ConsumeN(ctx, BucketRead, 1200))

	err := r.ConsumeN(ctx, BucketRead, 200)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRateLimitTimeout)
}

func TestRateLimiterRejectsOversizedRequest(t *testing.T) {
	r := NewRateLimiter()
	err := r.ConsumeN(context.Background(), BucketOrder, 11)
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrRateLimitTimeout)
}

func TestRateLimiterUnknownBucket(t *testing.T) {
	r := NewRateLimiter()
	assert.Error(t, r.Consume(context.Background(), Bucket("bogus")))
}

func TestRateLimiterHonoursContextCancel(t *testing.T) {
	r := NewRateLimiter()
	require.NoError(t, r.ConsumeN(context.Background(), BucketOrder, 10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.ConsumeN(ctx, BucketOrder, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
