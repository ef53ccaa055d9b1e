package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConfirmationUpdate is reported by the external chain watcher. Either
// DepositID or (Address, Currency, Network) identifies the deposit.
type ConfirmationUpdate struct {
	UpdateID      string
	DepositID     uuid.UUID
	Address       string
	Memo          string
	Currency      string
	Network       string
	TxReference   string
	Confirmations int
	ObservedAt    time.Time
}

// ByDestination reports whether the update must be matched by address.
func (u *ConfirmationUpdate) ByDestination() bool {
	return u.DepositID == uuid.Nil
}

// DedupKey identifies a redelivery of the same observation.
func (u *ConfirmationUpdate) DedupKey() string {
	if u.UpdateID != "" {
		return "watcher:" + u.UpdateID
	}
	target := u.DepositID.String()
	if u.ByDestination() {
		target = strings.ToUpper(u.Currency) + "/" + strings.ToUpper(u.Network) + "/" + u.Address + "/" + u.Memo
	}
	return fmt.Sprintf("watcher:%s:%d", target, u.Confirmations)
}

type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
	DecisionHold    ReviewDecision = "hold"
)

func ParseReviewDecision(s string) (ReviewDecision, bool) {
	switch d := ReviewDecision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionApprove, DecisionReject, DecisionHold:
		return d, true
	}
	return "", false
}

// ReviewResolution is a manual reviewer's verdict on a deposit.
type ReviewResolution struct {
	DepositID uuid.UUID
	Decision  ReviewDecision
	Reason    string
	Reviewer  string
}

// CompletionTrigger asks the engine to complete a confirmed deposit.
type CompletionTrigger struct {
	DepositID uuid.UUID
	Reason    string
}
