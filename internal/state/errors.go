package state

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedAsset             = errors.New("unsupported asset")
	ErrNoWalletAvailable            = errors.New("no wallet available")
	ErrDuplicateOpenDeposit         = errors.New("duplicate open deposit")
	ErrInsufficientForActivation    = errors.New("insufficient for activation")
	ErrMissingVerificationEvidence  = errors.New("missing verification evidence")
	ErrIllegalTransition            = errors.New("illegal transition")
	ErrStaleConfirmationUpdate      = errors.New("stale confirmation update")
	ErrDepositNotFound              = errors.New("deposit not found")
	ErrAccountNotFound              = errors.New("account not found")
	ErrAccountAlreadyFunded         = errors.New("account already meets its minimum funding")
	ErrBelowMinimumDeposit          = errors.New("amount below minimum deposit")
	ErrInvalidRequest               = errors.New("invalid request")
	ErrVersionConflict              = errors.New("version conflict")
	ErrConcurrentModification       = errors.New("deposit modified concurrently, retries exhausted")
	ErrAmbiguousDestination         = errors.New("destination matches more than one open deposit")
	ErrDestinationNotAssigned       = errors.New("destination is not assigned for this asset")
	ErrUnsupportedReviewDecision    = errors.New("unsupported review decision")
	ErrRequiredConfirmationsInvalid = errors.New("required confirmations must be positive")
)

// DuplicateOpenDepositError is returned when the account already has a
// non-terminal deposit with the same purpose.
type DuplicateOpenDepositError struct {
	ExistingID uuid.UUID
	AccountID  string
	Purpose    Purpose
}

func (e *DuplicateOpenDepositError) Error() string {
	return fmt.Sprintf("account %s already has open %s deposit %s", e.AccountID, e.Purpose, e.ExistingID)
}

func (e *DuplicateOpenDepositError) Unwrap() error { return ErrDuplicateOpenDeposit }

// InsufficientForActivationError carries the shortfall and the exact gross
// that would close it.
type InsufficientForActivationError struct {
	Remaining     decimal.Decimal
	Net           decimal.Decimal
	Shortfall     decimal.Decimal
	RequiredGross decimal.Decimal
}

func (e *InsufficientForActivationError) Error() string {
	return fmt.Sprintf("net %s leaves a shortfall of %s against %s remaining; required gross %s",
		e.Net, e.Shortfall, e.Remaining, e.RequiredGross)
}

func (e *InsufficientForActivationError) Unwrap() error { return ErrInsufficientForActivation }

// TransitionError reports an action that is not legal from the deposit's
// current status.
type TransitionError struct {
	DepositID uuid.UUID
	From      Status
	Action    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("deposit %s: cannot %s from %s", e.DepositID, e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// StaleConfirmationError reports a confirmation count lower than the one
// already recorded.
type StaleConfirmationError struct {
	DepositID uuid.UUID
	Current   int
	Received  int
}

func (e *StaleConfirmationError) Error() string {
	return fmt.Sprintf("deposit %s: confirmation count %d is below recorded %d", e.DepositID, e.Received, e.Current)
}

func (e *StaleConfirmationError) Unwrap() error { return ErrStaleConfirmationUpdate }

// BelowMinimumError reports a gross amount under the asset's minimum deposit.
type BelowMinimumError struct {
	Gross   decimal.Decimal
	Minimum decimal.Decimal
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("gross %s is below minimum deposit %s", e.Gross, e.Minimum)
}

func (e *BelowMinimumError) Unwrap() error { return ErrBelowMinimumDeposit }
