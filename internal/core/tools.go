package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ToDecimal coerces JSON-decoded values into a decimal. Strings, numbers
// and json.Number all appear in exchange payloads.
func ToDecimal(v interface{}) (decimal.Decimal, error) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, fmt.Errorf("nil value")
	case string:
		if x == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(x)
	case float64:
		return decimal.NewFromFloat(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case decimal.Decimal:
		return x, nil
	case fmt.Stringer:
		return decimal.NewFromString(x.String())
	default:
		return decimal.Zero, fmt.Errorf("cannot convert %T to decimal", v)
	}
}

// ParseEpoch interprets a unix timestamp that may be in seconds or
// milliseconds. Values above 1e11 are treated as milliseconds.
func ParseEpoch(ts int64) time.Time {
	if ts > 100_000_000_000 {
		return time.UnixMilli(ts)
	}
	return time.Unix(ts, 0)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// BaseAsset strips the quote suffix from a linear contract symbol,
// case-insensitively. BTCUSDT and BTCUSDC both map to BTC. Symbols with no
// known quote suffix are returned verbatim (uppercased).
func BaseAsset(symbol string) string {
	upper := strings.ToUpper(symbol)
	for _, q := range []string{"USDT", "USDC", "USD"} {
		if len(upper) > len(q) && strings.HasSuffix(upper, q) {
			return upper[:len(upper)-len(q)]
		}
	}
	return upper
}
