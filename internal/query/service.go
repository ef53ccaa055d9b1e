package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"DepositEngine/internal/event"
	"DepositEngine/internal/ledger"
	"DepositEngine/internal/state"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ErrLedgerUnavailable is returned by balance queries when no in-process
// ledger is attached.
var ErrLedgerUnavailable = errors.New("ledger balances are not served by this instance")

// Reader is the read side of the deposit store.
type Reader interface {
	GetDeposit(ctx context.Context, id uuid.UUID) (*state.Deposit, error)
	FindOpenDeposit(ctx context.Context, accountID string, purpose state.Purpose) (*state.Deposit, error)
	ListAccountDeposits(ctx context.Context, accountID string, limit int) ([]*state.Deposit, error)
	DepositEvents(ctx context.Context, depositID uuid.UUID) ([]*event.Envelope, error)
}

// QueryService provides read-only access to deposits and their audit trail.
type QueryService struct {
	reader  Reader
	tracker *ledger.BalanceTracker
}

func NewQueryService(reader Reader) *QueryService {
	return &QueryService{reader: reader}
}

// WithLedger attaches the in-process ledger used in memory mode.
func (qs *QueryService) WithLedger(tracker *ledger.BalanceTracker) *QueryService {
	qs.tracker = tracker
	return qs
}

func (qs *QueryService) GetDeposit(ctx context.Context, id uuid.UUID) (*DepositResponse, error) {
	d, err := qs.reader.GetDeposit(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := NewDepositResponse(d)
	return &resp, nil
}

// GetOpenDeposit returns the account's non-terminal deposit for purpose, or
// state.ErrDepositNotFound.
func (qs *QueryService) GetOpenDeposit(ctx context.Context, accountID string, purpose state.Purpose) (*DepositResponse, error) {
	d, err := qs.reader.FindOpenDeposit(ctx, accountID, purpose)
	if err != nil {
		return nil, err
	}
	resp := NewDepositResponse(d)
	return &resp, nil
}

// ListAccountDeposits returns newest first. limit is clamped to
// [1, MaxListLimit]; zero means DefaultListLimit.
func (qs *QueryService) ListAccountDeposits(ctx context.Context, accountID string, limit int) ([]DepositResponse, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("%w: account_id is required", state.ErrInvalidRequest)
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	list, err := qs.reader.ListAccountDeposits(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DepositResponse, 0, len(list))
	for _, d := range list {
		out = append(out, NewDepositResponse(d))
	}
	return out, nil
}

// DepositEvents returns the audit trail of a deposit in write order.
func (qs *QueryService) DepositEvents(ctx context.Context, id uuid.UUID) ([]EventResponse, error) {
	if _, err := qs.reader.GetDeposit(ctx, id); err != nil {
		return nil, err
	}
	evts, err := qs.reader.DepositEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]EventResponse, 0, len(evts))
	for _, e := range evts {
		out = append(out, NewEventResponse(e))
	}
	return out, nil
}

// GetLedgerBalance reads the in-process ledger.
func (qs *QueryService) GetLedgerBalance(accountID, asset string) (*LedgerBalanceResponse, error) {
	if qs.tracker == nil {
		return nil, ErrLedgerUnavailable
	}
	asset = strings.ToUpper(strings.TrimSpace(asset))
	return &LedgerBalanceResponse{
		AccountID:     accountID,
		Asset:         asset,
		Available:     qs.tracker.GetAvailableBalance(accountID, asset),
		FeesCollected: qs.tracker.GetFeesCollected(asset),
	}, nil
}
