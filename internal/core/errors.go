package core

import (
	"context"
	"errors"

	"DepositEngine/internal/state"
)

// ErrorClass decides how an error leaves the engine.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	// ClassValidation errors go back to the caller with structured detail.
	ClassValidation
	// ClassIntegrity errors are logged with context and surfaced opaquely.
	ClassIntegrity
	ClassNotFound
	ClassConflict
	// ClassTransient errors are infrastructure failures; retrying may succeed.
	ClassTransient
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassValidation:
		return "validation"
	case ClassIntegrity:
		return "integrity"
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	default:
		return "transient"
	}
}

var errorCodes = []struct {
	err   error
	code  string
	class ErrorClass
}{
	{state.ErrMissingVerificationEvidence, "missing_verification_evidence", ClassValidation},
	{state.ErrDuplicateOpenDeposit, "duplicate_open_deposit", ClassValidation},
	{state.ErrInsufficientForActivation, "insufficient_for_activation", ClassValidation},
	{state.ErrAccountAlreadyFunded, "account_already_funded", ClassValidation},
	{state.ErrBelowMinimumDeposit, "below_minimum_deposit", ClassValidation},
	{state.ErrStaleConfirmationUpdate, "stale_confirmation_update", ClassValidation},
	{state.ErrDestinationNotAssigned, "destination_not_assigned", ClassValidation},
	{state.ErrAmbiguousDestination, "ambiguous_destination", ClassValidation},
	{state.ErrUnsupportedReviewDecision, "unsupported_review_decision", ClassValidation},
	{state.ErrInvalidRequest, "invalid_request", ClassValidation},
	{state.ErrIllegalTransition, "illegal_transition", ClassIntegrity},
	{state.ErrUnsupportedAsset, "unsupported_asset", ClassIntegrity},
	{state.ErrNoWalletAvailable, "no_wallet_available", ClassIntegrity},
	{state.ErrDepositNotFound, "deposit_not_found", ClassNotFound},
	{state.ErrAccountNotFound, "account_not_found", ClassNotFound},
	{state.ErrConcurrentModification, "concurrent_modification", ClassConflict},
	{state.ErrVersionConflict, "concurrent_modification", ClassConflict},
}

// Classify maps an error to its propagation class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return ClassTransient
}

// ErrorCode is the stable machine-readable code for err.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "internal"
}
