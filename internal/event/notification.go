package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"DepositEngine/internal/state"
)

// Notification is the payload handed to the external email dispatcher.
type Notification struct {
	Template   string          `json:"template"`
	UserID     string          `json:"user_id"`
	AccountID  string          `json:"account_id"`
	DepositID  uuid.UUID       `json:"deposit_id"`
	Status     state.Status    `json:"status"`
	Currency   string          `json:"currency"`
	Network    string          `json:"network"`
	Gross      decimal.Decimal `json:"gross"`
	Fee        decimal.Decimal `json:"fee"`
	Net        decimal.Decimal `json:"net"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NotificationTemplate names the email for a lifecycle event. Events without
// a template are not sent to users.
func NotificationTemplate(et EventType) (string, bool) {
	switch et {
	case EventTypeDepositCreated:
		return "deposit_received", true
	case EventTypeDepositOnHold:
		return "deposit_under_review", true
	case EventTypeDepositCompleted:
		return "deposit_credited", true
	case EventTypeDepositFailed:
		return "deposit_rejected", true
	case EventTypeDepositReversed:
		return "deposit_reversed", true
	}
	return "", false
}

// NewNotification builds the dispatcher payload from a lifecycle snapshot.
func NewNotification(et EventType, s *DepositSnapshot) (*Notification, bool) {
	tmpl, ok := NotificationTemplate(et)
	if !ok {
		return nil, false
	}
	return &Notification{
		Template:   tmpl,
		UserID:     s.UserID,
		AccountID:  s.AccountID,
		DepositID:  s.DepositID,
		Status:     s.Status,
		Currency:   s.Currency,
		Network:    s.Network,
		Gross:      s.Gross,
		Fee:        s.Fee,
		Net:        s.Net,
		Reason:     s.Reason,
		OccurredAt: s.OccurredAt,
	}, true
}
