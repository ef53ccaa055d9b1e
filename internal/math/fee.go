// internal/math/fee.go
package math

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidFeePercent = errors.New("fee percent must be in [0, 100)")
	ErrNegativeAmount    = errors.New("amount must not be negative")
)

var hundred = decimal.NewFromInt(100)

// FeeConfig holds the tunables shared by every fee and shortfall computation.
type FeeConfig struct {
	// RoundingBufferUnits is added, in minor units, on top of the ceiled
	// required gross.
	RoundingBufferUnits int64
	// ToleranceUnits is how far, in minor units, a net amount may fall short
	// of the remaining activation gap and still be accepted.
	ToleranceUnits int64
	FeeRounding    RoundingMode
}

func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		RoundingBufferUnits: 1,
		ToleranceUnits:      1,
		FeeRounding:         RoundHalfUp,
	}
}

func (c FeeConfig) Validate() error {
	if c.RoundingBufferUnits < 0 {
		return errors.New("rounding buffer must not be negative")
	}
	if c.ToleranceUnits < 0 {
		return errors.New("tolerance must not be negative")
	}
	return nil
}

// ValidateFeePercent rejects percentages outside [0, 100).
func ValidateFeePercent(feePercent decimal.Decimal) error {
	if feePercent.IsNegative() || feePercent.GreaterThanOrEqual(hundred) {
		return ErrInvalidFeePercent
	}
	return nil
}

// ComputeFee calculates fee = round(gross * feePercent / 100, precision).
func ComputeFee(gross, feePercent decimal.Decimal, precision int32, mode RoundingMode) decimal.Decimal {
	raw := gross.Mul(feePercent).Div(hundred)
	return Round(raw, precision, mode)
}

// ComputeNet calculates max(0, gross - fee).
func ComputeNet(gross, fee decimal.Decimal) decimal.Decimal {
	net := gross.Sub(fee)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// ComputeRequiredGross returns the smallest gross whose net after fees
// covers targetNet, ceiled to precision, plus bufferUnits minor units.
//
// targetNet is ceiled to precision first so a sub-unit target is never
// under-covered.
func ComputeRequiredGross(targetNet, feePercent decimal.Decimal, precision int32, bufferUnits int64) (decimal.Decimal, error) {
	if err := ValidateFeePercent(feePercent); err != nil {
		return decimal.Zero, err
	}
	if targetNet.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	if targetNet.IsZero() {
		return decimal.Zero, nil
	}

	target := targetNet.RoundCeil(precision)
	keep := hundred.Sub(feePercent) // percent of gross the user keeps

	// Scale the division well past precision so RoundCeil sees the true remainder.
	gross := target.Mul(hundred).DivRound(keep, precision+16).RoundCeil(precision)
	return gross.Add(Units(bufferUnits, precision)), nil
}

// FeeCalculator binds FeeConfig to the pure functions above.
type FeeCalculator struct {
	cfg FeeConfig
}

func NewFeeCalculator(cfg FeeConfig) *FeeCalculator {
	return &FeeCalculator{cfg: cfg}
}

func (c *FeeCalculator) Config() FeeConfig {
	return c.cfg
}

// Split returns the fee and net for gross.
func (c *FeeCalculator) Split(gross, feePercent decimal.Decimal, precision int32) (fee, net decimal.Decimal) {
	fee = ComputeFee(gross, feePercent, precision, c.cfg.FeeRounding)
	return fee, ComputeNet(gross, fee)
}

func (c *FeeCalculator) RequiredGross(targetNet, feePercent decimal.Decimal, precision int32) (decimal.Decimal, error) {
	return ComputeRequiredGross(targetNet, feePercent, precision, c.cfg.RoundingBufferUnits)
}

// Tolerance returns the accepted shortfall at precision.
func (c *FeeCalculator) Tolerance(precision int32) decimal.Decimal {
	return Units(c.cfg.ToleranceUnits, precision)
}
