// internal/event/deposit.go
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"DepositEngine/internal/ledger"
	"DepositEngine/internal/state"
)

// DepositSnapshot is the payload of every lifecycle event.
type DepositSnapshot struct {
	Type                  EventType       `json:"-"`
	DepositID             uuid.UUID       `json:"deposit_id"`
	UserID                string          `json:"user_id"`
	AccountID             string          `json:"account_id"`
	Currency              string          `json:"currency"`
	Network               string          `json:"network"`
	Purpose               state.Purpose   `json:"purpose"`
	Gross                 decimal.Decimal `json:"gross"`
	Fee                   decimal.Decimal `json:"fee"`
	Net                   decimal.Decimal `json:"net"`
	Status                state.Status    `json:"status"`
	PreviousStatus        state.Status    `json:"previous_status,omitempty"`
	RequiredConfirmations int             `json:"required_confirmations"`
	Confirmations         int             `json:"confirmations"`
	Address               string          `json:"address"`
	Memo                  string          `json:"memo,omitempty"`
	TxReference           string          `json:"tx_reference,omitempty"`
	Reason                string          `json:"reason,omitempty"`
	OccurredAt            time.Time       `json:"occurred_at"`
}

func NewDepositSnapshot(et EventType, d *state.Deposit, from state.Status, at time.Time) *DepositSnapshot {
	reason := d.FailureReason
	if d.Status == state.StatusOnHold {
		reason = d.HoldReason
	}
	return &DepositSnapshot{
		Type:                  et,
		DepositID:             d.ID,
		UserID:                d.UserID,
		AccountID:             d.AccountID,
		Currency:              d.Currency,
		Network:               d.Network,
		Purpose:               d.Purpose,
		Gross:                 d.Gross,
		Fee:                   d.Fee,
		Net:                   d.Net,
		Status:                d.Status,
		PreviousStatus:        from,
		RequiredConfirmations: d.RequiredConfirmations,
		Confirmations:         d.Confirmations,
		Address:               d.Destination.Address,
		Memo:                  d.Destination.Memo,
		TxReference:           d.Evidence.TxReference,
		Reason:                reason,
		OccurredAt:            at,
	}
}

// IdempotencyKey is unique per deposit and transition. Confirmation events
// carry the count so each advance is recorded once.
func (s *DepositSnapshot) IdempotencyKey() string {
	if s.Type == EventTypeConfirmationRecorded {
		return fmt.Sprintf("%s:%s:%d", s.DepositID, s.Type.Token(), s.Confirmations)
	}
	return s.DepositID.String() + ":" + s.Type.Token()
}

func (s *DepositSnapshot) EventType() EventType {
	return s.Type
}

// Instruction wraps a ledger batch as an outbound event.
type Instruction struct {
	*ledger.Batch
}

func (i *Instruction) IdempotencyKey() string {
	return i.DepositID.String() + ":" + string(i.Kind)
}

func (i *Instruction) EventType() EventType {
	if i.Kind == ledger.InstructionDebit {
		return EventTypeDebitInstruction
	}
	return EventTypeCreditInstruction
}
