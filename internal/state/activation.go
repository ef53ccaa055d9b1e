package state

import (
	"github.com/shopspring/decimal"

	fpmath "DepositEngine/internal/math"
)

// ActivationCheck is the outcome of validating an activation deposit
// against the account's minimum-funding gap.
type ActivationCheck struct {
	Sufficient bool
	// AlreadyFunded is set when the balance already meets the minimum. The
	// check is Sufficient but an activation deposit makes no sense; callers
	// report it distinctly.
	AlreadyFunded bool

	Remaining     decimal.Decimal // max(0, minimum - balance)
	Fee           decimal.Decimal
	Net           decimal.Decimal
	Shortfall     decimal.Decimal // remaining - net when insufficient
	RequiredGross decimal.Decimal // gross that closes the gap when insufficient
}

// ActivationValidator decides whether a proposed gross closes the gap
// between an account's balance and its minimum funding threshold.
type ActivationValidator struct {
	calc *fpmath.FeeCalculator
}

func NewActivationValidator(calc *fpmath.FeeCalculator) *ActivationValidator {
	return &ActivationValidator{calc: calc}
}

// Validate applies only to activation deposits; general deposits are always
// sufficient.
func (v *ActivationValidator) Validate(
	purpose Purpose,
	balance decimal.Decimal,
	minimum decimal.Decimal,
	proposedGross decimal.Decimal,
	feePercent decimal.Decimal,
	precision int32,
) (ActivationCheck, error) {
	fee, net := v.calc.Split(proposedGross, feePercent, precision)
	check := ActivationCheck{Fee: fee, Net: net, Remaining: decimal.Zero}

	if purpose != PurposeActivation {
		check.Sufficient = true
		return check, nil
	}

	remaining := minimum.Sub(balance)
	if !remaining.IsPositive() {
		check.Sufficient = true
		check.AlreadyFunded = true
		return check, nil
	}
	check.Remaining = remaining

	// net + tolerance >= remaining
	if net.Add(v.calc.Tolerance(precision)).GreaterThanOrEqual(remaining) {
		check.Sufficient = true
		return check, nil
	}

	required, err := v.calc.RequiredGross(remaining, feePercent, precision)
	if err != nil {
		return ActivationCheck{}, err
	}
	check.Shortfall = remaining.Sub(net)
	check.RequiredGross = required
	return check, nil
}

// Err converts an insufficient check into its typed error.
func (c ActivationCheck) Err() error {
	if c.Sufficient {
		return nil
	}
	return &InsufficientForActivationError{
		Remaining:     c.Remaining,
		Net:           c.Net,
		Shortfall:     c.Shortfall,
		RequiredGross: c.RequiredGross,
	}
}
