package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"DepositEngine/internal/event"
	"DepositEngine/internal/state"
)

// ConfirmationResult classifies what a confirmation update did.
type ConfirmationResult string

const (
	ConfirmationApplied   ConfirmationResult = "applied"
	ConfirmationUnchanged ConfirmationResult = "unchanged" // same count again
	ConfirmationDuplicate ConfirmationResult = "duplicate" // redelivered message
	ConfirmationStale     ConfirmationResult = "stale"
	ConfirmationIllegal   ConfirmationResult = "illegal"
	ConfirmationUnmatched ConfirmationResult = "unmatched"
	ConfirmationInvalid   ConfirmationResult = "invalid"
	ConfirmationFailed    ConfirmationResult = "failed"
)

type ConfirmationOutcome struct {
	DepositID     uuid.UUID
	Result        ConfirmationResult
	Status        state.Status
	Confirmations int
	Confirmed     bool // reached confirmed on this update
	Completed     bool // auto-completed on this update
}

// Retryable reports whether redelivering the update could change the result.
func (o ConfirmationOutcome) Retryable() bool {
	return o.Result == ConfirmationFailed
}

// RecordConfirmation applies an observed confirmation count to a deposit.
//
// A stale or illegal update returns its error alongside an outcome; callers
// processing a batch log it and move on. Only store failures are worth a
// retry.
func (e *Engine) RecordConfirmation(ctx context.Context, id uuid.UUID, count int) (ConfirmationOutcome, error) {
	return e.recordConfirmation(ctx, id, count, "")
}

func (e *Engine) recordConfirmation(ctx context.Context, id uuid.UUID, count int, txRef string) (ConfirmationOutcome, error) {
	fn := func(d *state.Deposit, now time.Time) (state.Transition, error) {
		return state.ApplyConfirmation(d, count, now)
	}
	if e.cfg.AutoComplete {
		fn = chain(fn, e.autoComplete)
	}

	d, tr, err := e.mutate(ctx, id, "record confirmation", fn)
	out := ConfirmationOutcome{DepositID: id, Confirmations: count}
	if d != nil {
		out.Status = d.Status
		out.Confirmations = d.Confirmations
	}

	switch {
	case err == nil && tr.NoOp:
		out.Result = ConfirmationUnchanged
	case err == nil:
		out.Result = ConfirmationApplied
		out.Confirmed = tr.Confirmed
		out.Completed = tr.Completed
	case errors.Is(err, state.ErrStaleConfirmationUpdate):
		out.Result = ConfirmationStale
		e.logger.Warn().Err(err).Str("deposit_id", id.String()).Str("tx_reference", txRef).
			Msg("stale confirmation update ignored")
	case errors.Is(err, state.ErrIllegalTransition):
		out.Result = ConfirmationIllegal
		e.reportIntegrity(err, id, "record confirmation")
	case errors.Is(err, state.ErrDepositNotFound):
		out.Result = ConfirmationUnmatched
	case Classify(err) == ClassValidation:
		out.Result = ConfirmationInvalid
	default:
		out.Result = ConfirmationFailed
	}

	if e.metrics != nil {
		e.metrics.ConfirmationUpdates.WithLabelValues(string(out.Result)).Inc()
	}
	return out, err
}

// autoComplete is chained after a confirmation when AutoComplete is on.
func (e *Engine) autoComplete(d *state.Deposit, now time.Time) (state.Transition, error) {
	if d.Status != state.StatusConfirmed || d.Evidence.TxReference == "" {
		return state.Transition{From: d.Status, To: d.Status, NoOp: true}, nil
	}
	return state.Complete(d, now)
}

// RecordConfirmationByDestination matches an update that only names the
// receiving address. Several open deposits on a shared address are told
// apart by transaction reference; failing that the update is ambiguous.
func (e *Engine) RecordConfirmationByDestination(
	ctx context.Context,
	currency, network, address, memo, txRef string,
	count int,
) (ConfirmationOutcome, error) {
	key := state.NormalizeAssetKey(currency, network)
	address = strings.TrimSpace(address)
	if address == "" {
		return ConfirmationOutcome{Result: ConfirmationInvalid},
			fmt.Errorf("%w: address is required", state.ErrInvalidRequest)
	}

	candidates, err := e.store.FindOpenByDestination(ctx, key, address, strings.TrimSpace(memo))
	if err != nil {
		return ConfirmationOutcome{Result: ConfirmationFailed}, err
	}

	if len(candidates) > 1 && txRef != "" {
		var matched []*state.Deposit
		for _, d := range candidates {
			if d.Evidence.TxReference == txRef {
				matched = append(matched, d)
			}
		}
		candidates = matched
	}

	switch len(candidates) {
	case 0:
		if e.metrics != nil {
			e.metrics.ConfirmationUpdates.WithLabelValues(string(ConfirmationUnmatched)).Inc()
		}
		return ConfirmationOutcome{Result: ConfirmationUnmatched},
			fmt.Errorf("%w: no open deposit at %s on %s", state.ErrDepositNotFound, address, key)
	case 1:
		return e.recordConfirmation(ctx, candidates[0].ID, count, txRef)
	}

	if e.metrics != nil {
		e.metrics.ConfirmationUpdates.WithLabelValues(string(ConfirmationUnmatched)).Inc()
	}
	e.logger.Warn().
		Str("address", address).
		Str("asset", key.String()).
		Int("candidates", len(candidates)).
		Msg("confirmation update matches several open deposits")
	return ConfirmationOutcome{Result: ConfirmationUnmatched},
		fmt.Errorf("%w: %d open deposits at %s on %s", state.ErrAmbiguousDestination, len(candidates), address, key)
}

// ApplyUpdate processes one watcher message, deduplicating redeliveries.
// The update is marked processed unless the failure is worth a retry.
func (e *Engine) ApplyUpdate(ctx context.Context, u *event.ConfirmationUpdate) (ConfirmationOutcome, error) {
	key := u.DedupKey()
	if e.idempotency.IsDuplicate(ctx, key) {
		if e.metrics != nil {
			e.metrics.ConfirmationUpdates.WithLabelValues(string(ConfirmationDuplicate)).Inc()
		}
		return ConfirmationOutcome{DepositID: u.DepositID, Result: ConfirmationDuplicate}, nil
	}

	var (
		out ConfirmationOutcome
		err error
	)
	if u.ByDestination() {
		out, err = e.RecordConfirmationByDestination(ctx, u.Currency, u.Network, u.Address, u.Memo, u.TxReference, u.Confirmations)
	} else {
		out, err = e.recordConfirmation(ctx, u.DepositID, u.Confirmations, u.TxReference)
	}

	if out.Retryable() {
		return out, err
	}
	if markErr := e.idempotency.MarkProcessed(ctx, key, string(out.Result)); markErr != nil {
		e.logger.Warn().Err(markErr).Str("key", key).Msg("mark processed failed")
	}
	return out, err
}

// Complete moves a confirmed deposit to completed and emits the credit
// instruction. Completing twice returns the deposit unchanged.
func (e *Engine) Complete(ctx context.Context, id uuid.UUID) (*state.Deposit, error) {
	d, _, err := e.mutate(ctx, id, "complete", state.Complete)
	if err != nil {
		e.reportIntegrity(err, id, "complete")
		return nil, err
	}
	return d, nil
}

// Fail terminates an uncredited deposit.
func (e *Engine) Fail(ctx context.Context, id uuid.UUID, reason string) (*state.Deposit, error) {
	return e.withReason(ctx, id, "fail", reason, state.Fail)
}

// Reverse undoes a completed deposit and emits the debit instruction.
func (e *Engine) Reverse(ctx context.Context, id uuid.UUID, reason string) (*state.Deposit, error) {
	return e.withReason(ctx, id, "reverse", reason, state.Reverse)
}

// Hold parks a deposit for manual review.
func (e *Engine) Hold(ctx context.Context, id uuid.UUID, reason string) (*state.Deposit, error) {
	return e.withReason(ctx, id, "hold", reason, state.Hold)
}

func (e *Engine) withReason(
	ctx context.Context,
	id uuid.UUID,
	action, reason string,
	step func(*state.Deposit, string, time.Time) (state.Transition, error),
) (*state.Deposit, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: %s requires a reason", state.ErrInvalidRequest, action)
	}
	d, _, err := e.mutate(ctx, id, action, func(d *state.Deposit, now time.Time) (state.Transition, error) {
		return step(d, reason, now)
	})
	if err != nil {
		e.reportIntegrity(err, id, action)
		return nil, err
	}
	return d, nil
}

// ResolveReview applies a reviewer's verdict. Approval confirms and
// completes in one write.
func (e *Engine) ResolveReview(ctx context.Context, r event.ReviewResolution) (*state.Deposit, error) {
	logger := e.logger.With().
		Str("deposit_id", r.DepositID.String()).
		Str("decision", string(r.Decision)).
		Str("reviewer", r.Reviewer).
		Logger()

	var (
		d   *state.Deposit
		err error
	)
	switch r.Decision {
	case event.DecisionApprove:
		d, _, err = e.mutate(ctx, r.DepositID, "approve", chain(state.ManualConfirm, state.Complete))
		if err != nil {
			e.reportIntegrity(err, r.DepositID, "approve")
		}
	case event.DecisionReject:
		d, err = e.Fail(ctx, r.DepositID, r.Reason)
	case event.DecisionHold:
		d, err = e.Hold(ctx, r.DepositID, r.Reason)
	default:
		return nil, fmt.Errorf("%w: %q", state.ErrUnsupportedReviewDecision, r.Decision)
	}
	if err != nil {
		return nil, err
	}

	logger.Info().Str("status", string(d.Status)).Msg("review resolved")
	return d, nil
}
