package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"DepositEngine/internal/event"
)

// MessageKind identifies the payload carried on an inbound subject.
type MessageKind string

const (
	KindConfirmation MessageKind = "confirmation"
	KindReview       MessageKind = "review"
	KindCompletion   MessageKind = "completion"
)

// Message is one decoded inbound message. Exactly one field is set.
type Message struct {
	Confirmations []*event.ConfirmationUpdate
	Review        *event.ReviewResolution
	Completion    *event.CompletionTrigger
}

// ParseRawEvent decodes a RawEvent according to its kind.
func ParseRawEvent(raw RawEvent) (*Message, error) {
	switch raw.Kind {
	case KindConfirmation:
		updates, err := ParseConfirmations(raw.Data)
		if err != nil {
			return nil, err
		}
		return &Message{Confirmations: updates}, nil
	case KindReview:
		r, err := parseReview(raw.Data)
		if err != nil {
			return nil, err
		}
		return &Message{Review: r}, nil
	case KindCompletion:
		c, err := parseCompletion(raw.Data)
		if err != nil {
			return nil, err
		}
		return &Message{Completion: c}, nil
	default:
		return nil, fmt.Errorf("unknown message kind: %q", raw.Kind)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type ConfirmationJSON struct {
	UpdateID      string `json:"update_id"`
	DepositID     string `json:"deposit_id,omitempty"`
	Address       string `json:"address,omitempty"`
	Memo          string `json:"memo,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Network       string `json:"network,omitempty"`
	TxReference   string `json:"tx_reference,omitempty"`
	Confirmations *int   `json:"confirmations"`
	ObservedAtUs  int64  `json:"observed_at_us,omitempty"`
}

type confirmationBatchJSON struct {
	Updates []ConfirmationJSON `json:"updates"`
}

// ParseConfirmations accepts a single update object or {"updates": [...]}.
func ParseConfirmations(data []byte) ([]*event.ConfirmationUpdate, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("parse confirmations: empty payload")
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, fmt.Errorf("parse confirmations: %w", err)
	}

	var wire []ConfirmationJSON
	if _, isBatch := probe["updates"]; isBatch {
		var b confirmationBatchJSON
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return nil, fmt.Errorf("parse confirmation batch: %w", err)
		}
		wire = b.Updates
	} else {
		var j ConfirmationJSON
		if err := json.Unmarshal(trimmed, &j); err != nil {
			return nil, fmt.Errorf("parse confirmation: %w", err)
		}
		wire = []ConfirmationJSON{j}
	}

	out := make([]*event.ConfirmationUpdate, 0, len(wire))
	for i, j := range wire {
		u, err := j.ToUpdate()
		if err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// ToUpdate validates the wire form. A deposit id, or an address with its
// currency and network, must identify the deposit.
func (j ConfirmationJSON) ToUpdate() (*event.ConfirmationUpdate, error) {
	if j.Confirmations == nil {
		return nil, fmt.Errorf("confirmations is required")
	}
	if *j.Confirmations < 0 {
		return nil, fmt.Errorf("confirmations must be >= 0, got %d", *j.Confirmations)
	}

	u := &event.ConfirmationUpdate{
		UpdateID:      strings.TrimSpace(j.UpdateID),
		Address:       strings.TrimSpace(j.Address),
		Memo:          strings.TrimSpace(j.Memo),
		Currency:      strings.TrimSpace(j.Currency),
		Network:       strings.TrimSpace(j.Network),
		TxReference:   strings.TrimSpace(j.TxReference),
		Confirmations: *j.Confirmations,
	}
	if j.ObservedAtUs > 0 {
		u.ObservedAt = time.UnixMicro(j.ObservedAtUs).UTC()
	}

	if j.DepositID != "" {
		id, err := uuid.Parse(j.DepositID)
		if err != nil {
			return nil, fmt.Errorf("parse deposit_id: %w", err)
		}
		u.DepositID = id
		return u, nil
	}
	if u.Address == "" || u.Currency == "" || u.Network == "" {
		return nil, fmt.Errorf("deposit_id or address+currency+network is required")
	}
	return u, nil
}

type ReviewJSON struct {
	DepositID string `json:"deposit_id"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	Reviewer  string `json:"reviewer,omitempty"`
}

func parseReview(data []byte) (*event.ReviewResolution, error) {
	var j ReviewJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse review: %w", err)
	}
	return j.ToResolution()
}

func (j ReviewJSON) ToResolution() (*event.ReviewResolution, error) {
	id, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	decision, ok := event.ParseReviewDecision(j.Decision)
	if !ok {
		return nil, fmt.Errorf("unsupported decision %q", j.Decision)
	}
	return &event.ReviewResolution{
		DepositID: id,
		Decision:  decision,
		Reason:    strings.TrimSpace(j.Reason),
		Reviewer:  strings.TrimSpace(j.Reviewer),
	}, nil
}

type completionJSON struct {
	DepositID string `json:"deposit_id"`
	Reason    string `json:"reason,omitempty"`
}

func parseCompletion(data []byte) (*event.CompletionTrigger, error) {
	var j completionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse completion: %w", err)
	}
	id, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	return &event.CompletionTrigger{DepositID: id, Reason: j.Reason}, nil
}
