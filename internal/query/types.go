package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"DepositEngine/internal/event"
	"DepositEngine/internal/state"
)

// DepositResponse is the API view of a deposit. Amounts are decimal strings.
type DepositResponse struct {
	DepositID             uuid.UUID         `json:"deposit_id"`
	UserID                string            `json:"user_id"`
	AccountID             string            `json:"account_id"`
	Currency              string            `json:"currency"`
	Network               string            `json:"network"`
	Purpose               state.Purpose     `json:"purpose"`
	Gross                 decimal.Decimal   `json:"gross"`
	FeePercent            decimal.Decimal   `json:"fee_percent"`
	Fee                   decimal.Decimal   `json:"fee"`
	Net                   decimal.Decimal   `json:"net"`
	RequiredConfirmations int               `json:"required_confirmations"`
	Confirmations         int               `json:"confirmations"`
	Destination           state.Destination `json:"destination"`
	Evidence              state.Evidence    `json:"evidence"`
	Status                state.Status      `json:"status"`
	FailureReason         string            `json:"failure_reason,omitempty"`
	HoldReason            string            `json:"hold_reason,omitempty"`
	Version               int64             `json:"version"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	ConfirmedAt           *time.Time        `json:"confirmed_at,omitempty"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
	ResolvedAt            *time.Time        `json:"resolved_at,omitempty"`
}

func NewDepositResponse(d *state.Deposit) DepositResponse {
	return DepositResponse{
		DepositID:             d.ID,
		UserID:                d.UserID,
		AccountID:             d.AccountID,
		Currency:              d.Currency,
		Network:               d.Network,
		Purpose:               d.Purpose,
		Gross:                 d.Gross,
		FeePercent:            d.FeePercent,
		Fee:                   d.Fee,
		Net:                   d.Net,
		RequiredConfirmations: d.RequiredConfirmations,
		Confirmations:         d.Confirmations,
		Destination:           d.Destination,
		Evidence:              d.Evidence,
		Status:                d.Status,
		FailureReason:         d.FailureReason,
		HoldReason:            d.HoldReason,
		Version:               d.Version,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
		ConfirmedAt:           d.ConfirmedAt,
		CompletedAt:           d.CompletedAt,
		ResolvedAt:            d.ResolvedAt,
	}
}

// EventResponse is one entry of a deposit's audit trail.
type EventResponse struct {
	EventID        uuid.UUID       `json:"event_id"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
	PublishedAt    *time.Time      `json:"published_at,omitempty"`
}

func NewEventResponse(e *event.Envelope) EventResponse {
	return EventResponse{
		EventID:        e.EventID,
		EventType:      e.EventType.String(),
		IdempotencyKey: e.IdempotencyKey,
		Payload:        e.Payload,
		Timestamp:      e.Timestamp,
		PublishedAt:    e.PublishedAt,
	}
}

// LedgerBalanceResponse is an account balance in the in-process ledger.
type LedgerBalanceResponse struct {
	AccountID     string          `json:"account_id"`
	Asset         string          `json:"asset"`
	Available     decimal.Decimal `json:"available"`
	FeesCollected decimal.Decimal `json:"fees_collected"`
}
