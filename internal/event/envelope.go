package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositCreated
	EventTypeConfirmationRecorded
	EventTypeDepositConfirmed
	EventTypeDepositOnHold
	EventTypeDepositCompleted
	EventTypeDepositFailed
	EventTypeDepositReversed
	EventTypeCreditInstruction
	EventTypeDebitInstruction
)

var allTypes = []EventType{
	EventTypeDepositCreated,
	EventTypeConfirmationRecorded,
	EventTypeDepositConfirmed,
	EventTypeDepositOnHold,
	EventTypeDepositCompleted,
	EventTypeDepositFailed,
	EventTypeDepositReversed,
	EventTypeCreditInstruction,
	EventTypeDebitInstruction,
}

// Envelope wraps every event written to the outbox
type Envelope struct {
	EventID   uuid.UUID
	DepositID uuid.UUID
	AccountID string

	// Event type discriminator
	EventType EventType

	// Stable dedup key; unique per (EventType, IdempotencyKey)
	IdempotencyKey string

	// JSON-encoded event-specific data
	Payload json.RawMessage

	Timestamp time.Time

	// Set by the outbox relay once the event is on the bus
	PublishedAt *time.Time
}

// Event is the interface all outbound payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType
}

// NewEnvelope marshals evt and stamps a fresh event id.
func NewEnvelope(depositID uuid.UUID, accountID string, evt Event, ts time.Time) (*Envelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", evt.EventType(), err)
	}
	return &Envelope{
		EventID:        uuid.New(),
		DepositID:      depositID,
		AccountID:      accountID,
		EventType:      evt.EventType(),
		IdempotencyKey: evt.IdempotencyKey(),
		Payload:        payload,
		Timestamp:      ts,
	}, nil
}

// IsInstruction reports whether the event carries a ledger instruction.
func (et EventType) IsInstruction() bool {
	return et == EventTypeCreditInstruction || et == EventTypeDebitInstruction
}

func (et EventType) String() string {
	switch et {
	case EventTypeDepositCreated:
		return "DepositCreated"
	case EventTypeConfirmationRecorded:
		return "ConfirmationRecorded"
	case EventTypeDepositConfirmed:
		return "DepositConfirmed"
	case EventTypeDepositOnHold:
		return "DepositOnHold"
	case EventTypeDepositCompleted:
		return "DepositCompleted"
	case EventTypeDepositFailed:
		return "DepositFailed"
	case EventTypeDepositReversed:
		return "DepositReversed"
	case EventTypeCreditInstruction:
		return "CreditInstruction"
	case EventTypeDebitInstruction:
		return "DebitInstruction"
	default:
		return "Unknown"
	}
}

// Token is the lower-case subject segment for the type.
func (et EventType) Token() string {
	switch et {
	case EventTypeDepositCreated:
		return "created"
	case EventTypeConfirmationRecorded:
		return "confirmation"
	case EventTypeDepositConfirmed:
		return "confirmed"
	case EventTypeDepositOnHold:
		return "on_hold"
	case EventTypeDepositCompleted:
		return "completed"
	case EventTypeDepositFailed:
		return "failed"
	case EventTypeDepositReversed:
		return "reversed"
	case EventTypeCreditInstruction:
		return "credit"
	case EventTypeDebitInstruction:
		return "debit"
	default:
		return "unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, error) {
	for _, et := range allTypes {
		if et.String() == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}
