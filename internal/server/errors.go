package server

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"DepositEngine/internal/core"
	"DepositEngine/internal/query"
	"DepositEngine/internal/state"
)

// ErrorBody is the structured rejection returned by every surface.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Integrity-class errors carry internal context; callers get a fixed message.
var opaqueMessages = map[string]string{
	"unsupported_asset":   "deposits are not available for this asset",
	"no_wallet_available": "no deposit address is available for this asset",
	"illegal_transition":  "the deposit's current state does not allow this operation",
	"internal":            "internal error",
	"cancelled":           "request cancelled",
}

// describe turns an engine error into an HTTP status and body.
func describe(err error) (int, ErrorBody) {
	code := core.ErrorCode(err)
	body := ErrorBody{Code: code, Message: err.Error()}
	if msg, ok := opaqueMessages[code]; ok {
		body.Message = msg
	}

	var (
		dup   *state.DuplicateOpenDepositError
		ins   *state.InsufficientForActivationError
		below *state.BelowMinimumError
		stale *state.StaleConfirmationError
	)
	switch {
	case errors.As(err, &dup):
		body.Details = map[string]any{
			"existing_deposit_id": dup.ExistingID.String(),
			"purpose":             dup.Purpose,
		}
	case errors.As(err, &ins):
		body.Details = map[string]any{
			"remaining":      ins.Remaining.String(),
			"net":            ins.Net.String(),
			"shortfall":      ins.Shortfall.String(),
			"required_gross": ins.RequiredGross.String(),
		}
	case errors.As(err, &below):
		body.Details = map[string]any{"minimum": below.Minimum.String()}
	case errors.As(err, &stale):
		body.Details = map[string]any{"current": stale.Current, "received": stale.Received}
	case errors.Is(err, query.ErrLedgerUnavailable):
		return http.StatusNotFound, ErrorBody{Code: "ledger_unavailable", Message: err.Error()}
	}

	switch {
	case errors.Is(err, state.ErrInvalidRequest), errors.Is(err, state.ErrMissingVerificationEvidence):
		return http.StatusBadRequest, body
	case errors.Is(err, state.ErrDuplicateOpenDeposit), errors.Is(err, state.ErrStaleConfirmationUpdate),
		errors.Is(err, state.ErrIllegalTransition):
		return http.StatusConflict, body
	}

	switch core.Classify(err) {
	case core.ClassValidation, core.ClassIntegrity:
		return http.StatusUnprocessableEntity, body
	case core.ClassNotFound:
		return http.StatusNotFound, body
	case core.ClassConflict:
		return http.StatusConflict, body
	}
	if code == "cancelled" {
		return 499, body
	}
	return http.StatusInternalServerError, body
}

// grpcError maps an engine error onto a gRPC status.
func grpcError(err error) error {
	httpCode, body := describe(err)
	var c codes.Code
	switch httpCode {
	case http.StatusBadRequest:
		c = codes.InvalidArgument
	case http.StatusNotFound:
		c = codes.NotFound
	case http.StatusConflict:
		c = codes.FailedPrecondition
		if core.Classify(err) == core.ClassConflict {
			c = codes.Aborted
		}
	case http.StatusUnprocessableEntity:
		c = codes.FailedPrecondition
	case 499:
		c = codes.Canceled
	default:
		c = codes.Internal
	}
	return status.Error(c, body.Code+": "+body.Message)
}
