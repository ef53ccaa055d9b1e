package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"DepositEngine/internal/event"
	fpmath "DepositEngine/internal/math"
	"DepositEngine/internal/state"
	"DepositEngine/internal/wallet"
)

// SubmitRequest is a user's claim that funds were sent. Destination is
// optional: when the client already showed an address it is verified
// against the pool instead of resolving a new one.
type SubmitRequest struct {
	UserID      string
	AccountID   string
	Currency    string
	Network     string
	Purpose     state.Purpose
	GrossAmount decimal.Decimal
	Evidence    state.Evidence

	Destination string
	// Memo of the displayed destination; tag-based pools share one address
	// across entries that differ only by memo.
	DestinationMemo string
}

// Submit validates a deposit claim and records it as pending.
//
// Checks run cheapest first and none touch the store until the request is
// well formed. The duplicate check here is advisory; the store's unique
// index is what actually rejects a concurrent second submission.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*state.Deposit, error) {
	start := time.Now()
	d, err := e.submit(ctx, req)

	purpose := string(req.Purpose)
	if e.metrics != nil {
		e.metrics.SubmitDuration.WithLabelValues(purpose).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		code := ErrorCode(err)
		if e.metrics != nil {
			e.metrics.DepositsSubmitted.WithLabelValues(purpose, "rejected").Inc()
			e.metrics.DepositRejections.WithLabelValues(code).Inc()
		}
		ev := e.logger.Info()
		if Classify(err) == ClassTransient || Classify(err) == ClassIntegrity {
			ev = e.logger.Error()
		}
		ev.Err(err).
			Str("user_id", req.UserID).
			Str("account_id", req.AccountID).
			Str("currency", req.Currency).
			Str("network", req.Network).
			Str("purpose", purpose).
			Str("code", code).
			Msg("deposit rejected")
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.DepositsSubmitted.WithLabelValues(purpose, "accepted").Inc()
	}
	e.logger.Info().
		Str("deposit_id", d.ID.String()).
		Str("user_id", d.UserID).
		Str("account_id", d.AccountID).
		Str("asset", d.Currency+"/"+d.Network).
		Str("purpose", purpose).
		Str("gross", d.Gross.String()).
		Str("net", d.Net.String()).
		Msg("deposit submitted")
	return d, nil
}

func (e *Engine) submit(ctx context.Context, req SubmitRequest) (*state.Deposit, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.Evidence = req.Evidence.Normalize()
	if req.Purpose == "" {
		req.Purpose = state.PurposeGeneral
	}

	// Step 1: Shape and evidence, before any lookup
	if req.UserID == "" || req.AccountID == "" {
		return nil, fmt.Errorf("%w: user_id and account_id are required", state.ErrInvalidRequest)
	}
	if !req.Purpose.Valid() {
		return nil, fmt.Errorf("%w: unknown purpose %q", state.ErrInvalidRequest, req.Purpose)
	}
	if !req.GrossAmount.IsPositive() {
		return nil, fmt.Errorf("%w: gross amount must be positive", state.ErrInvalidRequest)
	}
	if !req.Evidence.Present() {
		return nil, state.ErrMissingVerificationEvidence
	}

	// Step 2: Asset rules
	asset, err := e.assets.Lookup(ctx, req.Currency, req.Network)
	if err != nil {
		return nil, err
	}
	if !fpmath.IsRepresentable(req.GrossAmount, asset.Precision) {
		return nil, fmt.Errorf("%w: gross %s has more than %d decimal places",
			state.ErrInvalidRequest, req.GrossAmount, asset.Precision)
	}
	if req.GrossAmount.LessThan(asset.MinimumDeposit) {
		return nil, &state.BelowMinimumError{Gross: req.GrossAmount, Minimum: asset.MinimumDeposit}
	}

	// Step 3: Account ownership, ahead of the guard: a duplicate rejection
	// must never name a deposit on someone else's account.
	acct, err := e.ownedAccount(ctx, req.UserID, req.AccountID)
	if err != nil {
		return nil, err
	}

	// Step 4: One open deposit per (account, purpose), then the activation gap
	if err := e.CheckNoOpenDeposit(ctx, req.AccountID, req.Purpose); err != nil {
		return nil, err
	}
	check, err := e.activation.Validate(req.Purpose, acct.Balance, acct.MinimumFunding,
		req.GrossAmount, asset.FeePercent, asset.Precision)
	if err != nil {
		return nil, err
	}
	if req.Purpose == state.PurposeActivation {
		if check.AlreadyFunded {
			return nil, fmt.Errorf("%w: balance %s meets minimum %s",
				state.ErrAccountAlreadyFunded, acct.Balance, acct.MinimumFunding)
		}
		if err := check.Err(); err != nil {
			return nil, err
		}
	}

	// Step 5: Destination
	mode := wallet.ModeFor(req.Purpose)
	var assignment *wallet.Assignment
	if strings.TrimSpace(req.Destination) != "" {
		assignment, err = e.wallets.Verify(ctx, asset.Currency, asset.Network, req.UserID, mode, req.Destination, req.DestinationMemo)
	} else {
		assignment, err = e.wallets.Resolve(ctx, asset.Currency, asset.Network, req.UserID, mode)
	}
	if err != nil {
		return nil, err
	}

	// Step 6: Record
	now := e.now()
	key := asset.Key()
	d := &state.Deposit{
		ID:                    e.newID(),
		UserID:                req.UserID,
		AccountID:             req.AccountID,
		Currency:              key.Currency,
		Network:               key.Network,
		Purpose:               req.Purpose,
		Gross:                 req.GrossAmount,
		FeePercent:            asset.FeePercent,
		Fee:                   check.Fee,
		Net:                   check.Net,
		Precision:             asset.Precision,
		RequiredConfirmations: asset.RequiredConfirmations,
		Destination:           assignment.Destination(),
		Evidence:              req.Evidence,
		Status:                state.StatusPending,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	created, err := event.NewEnvelope(d.ID, d.AccountID,
		event.NewDepositSnapshot(event.EventTypeDepositCreated, d, "", now), now)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateDeposit(ctx, d, []*event.Envelope{created}); err != nil {
		return nil, err
	}
	return d, nil
}

func (e *Engine) ownedAccount(ctx context.Context, userID, accountID string) (*state.Account, error) {
	acct, err := e.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	// Another user's account is reported as missing.
	if acct.UserID != userID {
		return nil, fmt.Errorf("%w: %s", state.ErrAccountNotFound, accountID)
	}
	return acct, nil
}

// CheckNoOpenDeposit returns nil when (account, purpose) has no open deposit,
// else a *state.DuplicateOpenDepositError naming the existing one.
func (e *Engine) CheckNoOpenDeposit(ctx context.Context, accountID string, purpose state.Purpose) error {
	existing, err := e.store.FindOpenDeposit(ctx, accountID, purpose)
	if errors.Is(err, state.ErrDepositNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return &state.DuplicateOpenDepositError{ExistingID: existing.ID, AccountID: accountID, Purpose: purpose}
}

// ResolveDestination returns the address a user should send funds to.
func (e *Engine) ResolveDestination(ctx context.Context, userID, currency, network string, purpose state.Purpose) (*wallet.Assignment, *state.AssetConfig, error) {
	asset, err := e.assets.Lookup(ctx, currency, network)
	if err != nil {
		return nil, nil, err
	}
	a, err := e.wallets.Resolve(ctx, asset.Currency, asset.Network, userID, wallet.ModeFor(purpose))
	if err != nil {
		e.reportIntegrity(err, uuid.Nil, "resolve destination")
		return nil, nil, err
	}
	return a, asset, nil
}

// --- Quotes ---

type QuoteRequest struct {
	UserID    string
	AccountID string
	Currency  string
	Network   string
	Purpose   state.Purpose

	// Exactly one of GrossAmount or TargetNet is normally set. With neither,
	// an activation quote targets the account's remaining gap.
	GrossAmount decimal.Decimal
	TargetNet   decimal.Decimal
}

type ActivationQuote struct {
	Balance       decimal.Decimal
	Minimum       decimal.Decimal
	Remaining     decimal.Decimal
	AlreadyFunded bool
	Sufficient    bool
	Shortfall     decimal.Decimal
}

// Quote is a fee preview. Nothing is stored.
type Quote struct {
	Currency              string
	Network               string
	FeePercent            decimal.Decimal
	MinimumDeposit        decimal.Decimal
	RequiredConfirmations int
	Precision             int32

	Gross decimal.Decimal
	Fee   decimal.Decimal
	Net   decimal.Decimal

	// RequiredGross is the smallest gross whose net covers the target.
	RequiredGross decimal.Decimal

	Activation *ActivationQuote
}

// Quote previews fee and net for a gross, or the gross needed for a target
// net, using the same arithmetic Submit applies.
func (e *Engine) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if req.GrossAmount.IsNegative() || req.TargetNet.IsNegative() {
		return nil, fmt.Errorf("%w: amounts must not be negative", state.ErrInvalidRequest)
	}
	if req.Purpose == "" {
		req.Purpose = state.PurposeGeneral
	}
	if !req.Purpose.Valid() {
		return nil, fmt.Errorf("%w: unknown purpose %q", state.ErrInvalidRequest, req.Purpose)
	}

	asset, err := e.assets.Lookup(ctx, req.Currency, req.Network)
	if err != nil {
		return nil, err
	}
	q := &Quote{
		Currency:              asset.Currency,
		Network:               asset.Network,
		FeePercent:            asset.FeePercent,
		MinimumDeposit:        asset.MinimumDeposit,
		RequiredConfirmations: asset.RequiredConfirmations,
		Precision:             asset.Precision,
	}

	target := req.TargetNet
	if req.Purpose == state.PurposeActivation && strings.TrimSpace(req.AccountID) != "" {
		acct, err := e.ownedAccount(ctx, req.UserID, req.AccountID)
		if err != nil {
			return nil, err
		}
		remaining := decimal.Max(decimal.Zero, acct.MinimumFunding.Sub(acct.Balance))
		q.Activation = &ActivationQuote{
			Balance:       acct.Balance,
			Minimum:       acct.MinimumFunding,
			Remaining:     remaining,
			AlreadyFunded: !remaining.IsPositive(),
		}
		if target.IsZero() {
			target = remaining
		}
	}

	if !target.IsZero() {
		required, err := e.calc.RequiredGross(target, asset.FeePercent, asset.Precision)
		if err != nil {
			return nil, err
		}
		q.RequiredGross = required
	}

	gross := req.GrossAmount
	if gross.IsZero() {
		gross = q.RequiredGross
	}
	if !gross.IsZero() {
		q.Gross = gross
		q.Fee, q.Net = e.calc.Split(gross, asset.FeePercent, asset.Precision)
	}

	if a := q.Activation; a != nil && !a.AlreadyFunded && !q.Gross.IsZero() {
		check, err := e.activation.Validate(state.PurposeActivation, a.Balance, a.Minimum,
			q.Gross, asset.FeePercent, asset.Precision)
		if err != nil {
			return nil, err
		}
		a.Sufficient = check.Sufficient
		a.Shortfall = check.Shortfall
	}
	return q, nil
}
