// internal/math/fixedpoint.go
package math

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines the minor-unit precision of a currency
type DecimalConfig struct {
	Precision int32 // Number of decimal places
}

var (
	// Standard configs
	FiatConfig   = DecimalConfig{Precision: 2} // 0.01
	StableConfig = DecimalConfig{Precision: 6} // 0.000001 USDT/USDC
	BTCConfig    = DecimalConfig{Precision: 8} // 1 satoshi
	ETHConfig    = DecimalConfig{Precision: 18}
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundHalfUp
	RoundDown // Toward zero
	RoundUp   // Away from zero
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfEven:
		return "half_even"
	case RoundHalfUp:
		return "half_up"
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return fmt.Sprintf("rounding(%d)", int(m))
	}
}

// ParseRoundingMode accepts the names produced by String.
func ParseRoundingMode(s string) (RoundingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "half_even", "bankers":
		return RoundHalfEven, nil
	case "half_up", "":
		return RoundHalfUp, nil
	case "down", "truncate":
		return RoundDown, nil
	case "up", "ceil":
		return RoundUp, nil
	}
	return 0, fmt.Errorf("unknown rounding mode %q", s)
}

// Round rounds d to precision decimal places with the given mode.
// All amounts handled here are non-negative, so RoundUp is a ceiling.
func Round(d decimal.Decimal, precision int32, mode RoundingMode) decimal.Decimal {
	switch mode {
	case RoundHalfUp:
		return d.Round(precision)
	case RoundDown:
		return d.Truncate(precision)
	case RoundUp:
		if d.IsNegative() {
			return d.RoundFloor(precision)
		}
		return d.RoundCeil(precision)
	default:
		return d.RoundBank(precision)
	}
}

// MinorUnit returns the smallest representable amount at precision (10^-precision).
func MinorUnit(precision int32) decimal.Decimal {
	return decimal.New(1, -precision)
}

// Units returns n minor units at precision.
func Units(n int64, precision int32) decimal.Decimal {
	return decimal.New(n, -precision)
}

// IsRepresentable reports whether d carries no digits beyond precision.
func IsRepresentable(d decimal.Decimal, precision int32) bool {
	return d.Equal(d.Truncate(precision))
}
