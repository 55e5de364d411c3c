package calibration

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"avi5/internal/core"

	"github.com/shopspring/decimal"
)

const thetaCacheTTL = time.Minute

// Provider resolves the hourly sizing threshold for the strategy engine,
// falling back to a configured default when no calibration exists for the
// hour. The theta map is cached briefly to keep the hot path off the
// key/value store.
type Provider struct {
	kv           core.KVStore
	defaultTheta decimal.Decimal
	logger       core.ILogger
	now          func() time.Time

	mu        sync.Mutex
	cached    map[string]float64
	fetchedAt time.Time
}

// NewProvider creates the provider.
func NewProvider(kv core.KVStore, defaultTheta decimal.Decimal, logger core.ILogger) *Provider {
	return &Provider{
		kv:           kv,
		defaultTheta: defaultTheta,
		logger:       logger.WithField("component", "theta_provider"),
		now:          time.Now,
	}
}

// Theta returns the calibrated threshold for the hour, or the default.
func (p *Provider) Theta(ctx context.Context, hour int) decimal.Decimal {
	thetas := p.thetaMap(ctx)
	if thetas == nil {
		return p.defaultTheta
	}
	theta, ok := thetas[strconv.Itoa(hour)]
	if !ok {
		return p.defaultTheta
	}
	return decimal.NewFromFloat(theta)
}

func (p *Provider) thetaMap(ctx context.Context) map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.now().Sub(p.fetchedAt) < thetaCacheTTL {
		return p.cached
	}

	raw, found, err := p.kv.Get(ctx, thetaKey)
	if err != nil {
		p.logger.Warn("Failed to load theta map, using default", "error", err)
		return p.cached
	}
	if !found {
		p.cached = nil
		p.fetchedAt = p.now()
		return nil
	}

	var thetas map[string]float64
	if err := json.Unmarshal([]byte(raw), &thetas); err != nil {
		p.logger.Warn("Malformed theta map, using default", "error", err)
		return p.cached
	}
	p.cached = thetas
	p.fetchedAt = p.now()
	return p.cached
}
