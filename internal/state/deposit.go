package state

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending               Status = "pending"
	StatusAwaitingConfirmations Status = "awaiting_confirmations"
	StatusConfirmed             Status = "confirmed"
	StatusOnHold                Status = "on_hold"
	StatusCompleted             Status = "completed"
	StatusFailed                Status = "failed"
	StatusReversed              Status = "reversed"
)

// TerminalStatuses is the set excluded by the one-open-deposit constraint.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusReversed}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusReversed:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAwaitingConfirmations, StatusConfirmed, StatusOnHold,
		StatusCompleted, StatusFailed, StatusReversed:
		return true
	}
	return false
}

type Purpose string

const (
	PurposeGeneral    Purpose = "general"
	PurposeActivation Purpose = "activation"
)

func (p Purpose) Valid() bool {
	return p == PurposeGeneral || p == PurposeActivation
}

// ParsePurpose defaults an empty value to general.
func ParsePurpose(s string) (Purpose, bool) {
	switch Purpose(strings.ToLower(strings.TrimSpace(s))) {
	case "", PurposeGeneral:
		return PurposeGeneral, true
	case PurposeActivation:
		return PurposeActivation, true
	}
	return "", false
}

// Evidence is the user's proof that funds were sent. At least one field
// must be set.
type Evidence struct {
	TxReference  string `json:"tx_reference,omitempty"`
	ProofPointer string `json:"proof_pointer,omitempty"`
}

func (e Evidence) Normalize() Evidence {
	return Evidence{
		TxReference:  strings.TrimSpace(e.TxReference),
		ProofPointer: strings.TrimSpace(e.ProofPointer),
	}
}

func (e Evidence) Present() bool {
	n := e.Normalize()
	return n.TxReference != "" || n.ProofPointer != ""
}

// Destination is where the user was told to send funds.
type Destination struct {
	AssignmentID uuid.UUID `json:"assignment_id"`
	Address      string    `json:"address"`
	Memo         string    `json:"memo,omitempty"`
	Shared       bool      `json:"shared"`
}

type Deposit struct {
	ID        uuid.UUID
	UserID    string
	AccountID string
	Currency  string
	Network   string
	Purpose   Purpose

	// Amounts are fixed at submission; Precision is the asset's minor-unit scale.
	Gross      decimal.Decimal
	FeePercent decimal.Decimal
	Fee        decimal.Decimal
	Net        decimal.Decimal
	Precision  int32

	RequiredConfirmations int
	Confirmations         int

	Destination Destination
	Evidence    Evidence

	Status        Status
	FailureReason string
	HoldReason    string

	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
	CompletedAt *time.Time
	ResolvedAt  *time.Time // failed or reversed
}

func (d *Deposit) IsOpen() bool {
	return !d.Status.IsTerminal()
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (d *Deposit) Clone() *Deposit {
	c := *d
	c.ConfirmedAt = cloneTime(d.ConfirmedAt)
	c.CompletedAt = cloneTime(d.CompletedAt)
	c.ResolvedAt = cloneTime(d.ResolvedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
