// Package lock implements a Redis-backed distributed lock with value-scoped
// release.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"avi5/internal/core"
	apperrors "avi5/pkg/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRetryInterval = 100 * time.Millisecond
	defaultMaxWait       = 10 * time.Second
)

// releaseScript deletes the lock key only when it still holds our token, so
// an expired-and-reacquired lock is never released by the wrong owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Client is the Redis surface the locker needs.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// RedisLocker implements core.Locker on a Redis client.
type RedisLocker struct {
	client        Client
	logger        core.ILogger
	retryInterval time.Duration
	maxWait       time.Duration
}

// NewRedisLocker creates a locker with the default 100ms retry interval and
// 10s max wait.
func NewRedisLocker(client Client, logger core.ILogger) *RedisLocker {
	return &RedisLocker{
		client:        client,
		logger:        logger.WithField("component", "redis_lock"),
		retryInterval: defaultRetryInterval,
		maxWait:       defaultMaxWait,
	}
}

func lockKey(name string) string { return "lock:" + name }

// acquire attempts SetNX once and returns the token on success.
func (l *RedisLocker) acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock acquire %s: %w", name, err)
	}
	return token, ok, nil
}

// acquireWait loops until the lock is held or maxWait elapses.
func (l *RedisLocker) acquireWait(ctx context.Context, name string, ttl time.Duration) (string, error) {
	deadline := time.Now().Add(l.maxWait)
	for {
		token, ok, err := l.acquire(ctx, name, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if l.maxWait > 0 && time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %s", apperrors.ErrLockNotAcquired, name)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}

// release runs the compare-and-delete script. Failure is logged, never
// returned, per the scoped-resource discipline.
func (l *RedisLocker) release(name, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{lockKey(name)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Warn("Failed to release lock", "name", name, "error", err)
	}
}

// WithLock blocks until the lock is held, runs fn, then releases on all
// exit paths.
func (l *RedisLocker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := l.acquireWait(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer l.release(name, token)
	return fn(ctx)
}

// TryWithLock runs fn only if the lock is immediately available and reports
// whether it ran.
func (l *RedisLocker) TryWithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	token, ok, err := l.acquire(ctx, name, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer l.release(name, token)
	return true, fn(ctx)
}
