package risk

import (
	"avi5/internal/core"
)

// admitPerBase applies the per-base rule: a base admits a new position only
// while its open count is below maxPerBase and no open position on the same
// base already runs in the same direction. Two positions on one base can
// therefore only be one long plus one short.
func admitPerBase(open []*core.Position, symbol string, dir core.Direction, maxPerBase int) bool {
	base := core.BaseAsset(symbol)

	count := 0
	for _, p := range open {
		if !p.IsOpen() || core.BaseAsset(p.Symbol) != base {
			continue
		}
		count++
		if p.Direction == dir {
			return false
		}
	}
	return count < maxPerBase
}
