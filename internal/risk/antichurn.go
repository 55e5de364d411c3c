package risk

import (
	"context"
	"strconv"
	"strings"
	"time"

	"avi5/internal/core"
)

// ChurnGuard enforces a per (symbol, side) cooldown between entries, backed
// by the shared key/value store.
type ChurnGuard struct {
	kv       core.KVStore
	cooldown time.Duration
	logger   core.ILogger
}

// NewChurnGuard creates a guard with the given cooldown (default 15m when
// zero).
func NewChurnGuard(kv core.KVStore, cooldown time.Duration, logger core.ILogger) *ChurnGuard {
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	return &ChurnGuard{
		kv:       kv,
		cooldown: cooldown,
		logger:   logger.WithField("component", "churn_guard"),
	}
}

func (g *ChurnGuard) key(symbol string, side core.Direction) string {
	return "last_signal_time:" + strings.ToUpper(symbol) + ":" + strings.ToLower(string(side))
}

// IsBlocked reports whether the cooldown is still active, and if so until
// when. Malformed stored values count as not blocked so the next Record
// overwrites them.
func (g *ChurnGuard) IsBlocked(ctx context.Context, symbol string, side core.Direction, now time.Time) (bool, *time.Time, error) {
	val, ok, err := g.kv.Get(ctx, g.key(symbol, side))
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	if err != nil {
		g.logger.Warn("Malformed cooldown timestamp, treating as unblocked", "symbol", symbol, "value", val)
		return false, nil, nil
	}

	last := time.Unix(ts, 0)
	if now.Sub(last) < g.cooldown {
		until := last.Add(g.cooldown)
		return true, &until, nil
	}
	return false, nil, nil
}

// Record stores the last-signal timestamp with TTL equal to the cooldown.
func (g *ChurnGuard) Record(ctx context.Context, symbol string, side core.Direction, now time.Time) error {
	return g.kv.Set(ctx, g.key(symbol, side), strconv.FormatInt(now.Unix(), 10), g.cooldown)
}

// Clear removes the cooldown stamp.
func (g *ChurnGuard) Clear(ctx context.Context, symbol string, side core.Direction) error {
	return g.kv.Delete(ctx, g.key(symbol, side))
}
