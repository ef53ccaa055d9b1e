package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDepositCredit JournalType = iota
	JournalTypeDepositFee
	JournalTypeDepositReversal
	JournalTypeDepositFeeReversal
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDepositCredit:
		return "deposit_credit"
	case JournalTypeDepositFee:
		return "deposit_fee"
	case JournalTypeDepositReversal:
		return "deposit_reversal"
	case JournalTypeDepositFeeReversal:
		return "deposit_fee_reversal"
	}
	return "unknown"
}

func (t JournalType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *JournalType) UnmarshalText(b []byte) error {
	for _, c := range []JournalType{JournalTypeDepositCredit, JournalTypeDepositFee, JournalTypeDepositReversal, JournalTypeDepositFeeReversal} {
		if c.String() == string(b) {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown journal type %q", b)
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID       `json:"journal_id"`
	BatchID       uuid.UUID       `json:"batch_id"`
	EventRef      string          `json:"event_ref"`      // Idempotency key of the source transition
	DebitAccount  AccountKey      `json:"debit_account"`  // Balance increases
	CreditAccount AccountKey      `json:"credit_account"` // Balance decreases
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"` // ALWAYS positive
	JournalType   JournalType     `json:"journal_type"`
	Timestamp     int64           `json:"timestamp"` // epoch microseconds
}

// InstructionKind says whether a batch credits or debits the customer.
type InstructionKind string

const (
	InstructionCredit InstructionKind = "credit"
	InstructionDebit  InstructionKind = "debit"
)

// Batch is a balanced set of journal entries. It is the credit or debit
// instruction handed to the external ledger.
type Batch struct {
	BatchID   uuid.UUID       `json:"batch_id"`
	Kind      InstructionKind `json:"kind"`
	EventRef  string          `json:"event_ref"`
	DepositID uuid.UUID       `json:"deposit_id"`
	AccountID string          `json:"account_id"`
	UserID    string          `json:"user_id"`
	Asset     string          `json:"asset"`
	Net       decimal.Decimal `json:"net"` // amount moved to or from the customer
	Fee       decimal.Decimal `json:"fee"`
	Timestamp int64           `json:"timestamp"`
	Journals  []Journal       `json:"journals"`
}

// Validate ensures the batch is well-formed.
// Each journal moves a single positive amount from its credit account to its
// debit account, so every entry balances on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if !j.Amount.IsPositive() {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.Asset != b.Asset || j.DebitAccount.Asset != b.Asset || j.CreditAccount.Asset != b.Asset {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// Total returns the sum of all journal amounts.
func (b *Batch) Total() decimal.Decimal {
	total := decimal.Zero
	for _, j := range b.Journals {
		total = total.Add(j.Amount)
	}
	return total
}
