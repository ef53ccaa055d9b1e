package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"DepositEngine/internal/state"
)

// instructionNamespace seeds deterministic batch and journal ids, so a
// redelivered instruction carries the same ids downstream.
var instructionNamespace = uuid.MustParse("0b0f6c52-5d1e-4c8e-9a3f-2f4d9b7e6a10")

// InstructionID derives a stable id for (deposit, kind, leg).
func InstructionID(depositID uuid.UUID, kind InstructionKind, leg string) uuid.UUID {
	return uuid.NewSHA1(instructionNamespace, []byte(depositID.String()+":"+string(kind)+":"+leg))
}

// JournalGenerator creates balanced journal batches from deposit transitions
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// GenerateDepositCredit creates the instruction for a completed deposit.
// Moves funds: external:deposits → account:available (net)
//              external:deposits → system:fees (fee)
func (jg *JournalGenerator) GenerateDepositCredit(d *state.Deposit, ts time.Time) (*Batch, error) {
	if d.Status != state.StatusCompleted {
		return nil, fmt.Errorf("deposit %s is %s, credit requires completed", d.ID, d.Status)
	}
	return jg.build(d, InstructionCredit, ts, false)
}

// GenerateDepositReversal mirrors the credit of a reversed deposit.
// Moves funds: account:available → external:deposits (net)
//              system:fees → external:deposits (fee)
func (jg *JournalGenerator) GenerateDepositReversal(d *state.Deposit, ts time.Time) (*Batch, error) {
	if d.Status != state.StatusReversed {
		return nil, fmt.Errorf("deposit %s is %s, reversal requires reversed", d.ID, d.Status)
	}
	return jg.build(d, InstructionDebit, ts, true)
}

func (jg *JournalGenerator) build(d *state.Deposit, kind InstructionKind, ts time.Time, mirror bool) (*Batch, error) {
	asset := d.Currency
	batchID := InstructionID(d.ID, kind, "batch")
	eventRef := d.ID.String() + ":" + string(kind)

	batch := &Batch{
		BatchID:   batchID,
		Kind:      kind,
		EventRef:  eventRef,
		DepositID: d.ID,
		AccountID: d.AccountID,
		UserID:    d.UserID,
		Asset:     asset,
		Net:       d.Net,
		Fee:       d.Fee,
		Timestamp: ts.UnixMicro(),
		Journals:  make([]Journal, 0, 2),
	}

	external := NewExternalAccountKey(SubTypeExternalDeposits, asset)

	if d.Net.IsPositive() {
		j := Journal{
			JournalID:     InstructionID(d.ID, kind, "net"),
			BatchID:       batchID,
			EventRef:      eventRef,
			DebitAccount:  NewAccountKey(d.AccountID, SubTypeAvailable, asset),
			CreditAccount: external,
			Asset:         asset,
			Amount:        d.Net,
			JournalType:   JournalTypeDepositCredit,
			Timestamp:     batch.Timestamp,
		}
		if mirror {
			j.DebitAccount, j.CreditAccount = j.CreditAccount, j.DebitAccount
			j.JournalType = JournalTypeDepositReversal
		}
		batch.Journals = append(batch.Journals, j)
	}

	if d.Fee.IsPositive() {
		j := Journal{
			JournalID:     InstructionID(d.ID, kind, "fee"),
			BatchID:       batchID,
			EventRef:      eventRef,
			DebitAccount:  NewSystemAccountKey(SubTypeSystemFees, asset),
			CreditAccount: external,
			Asset:         asset,
			Amount:        d.Fee,
			JournalType:   JournalTypeDepositFee,
			Timestamp:     batch.Timestamp,
		}
		if mirror {
			j.DebitAccount, j.CreditAccount = j.CreditAccount, j.DebitAccount
			j.JournalType = JournalTypeDepositFeeReversal
		}
		batch.Journals = append(batch.Journals, j)
	}

	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("deposit %s %s instruction: %w", d.ID, kind, err)
	}
	return batch, nil
}
