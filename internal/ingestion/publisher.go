package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"DepositEngine/internal/event"
	"DepositEngine/internal/ledger"
)

// StreamPublisher is the subset of jetstream.JetStream used for publishing.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher routes outbox events to NATS. It is called by the
// outbox relay after commit, so every publish may be a redelivery; the
// event id is sent as Nats-Msg-Id for server-side dedup.
//
// Subjects:
//
//	deposits.events.<type>.<deposit_id>       lifecycle snapshots
//	ledger.instructions.<credit|debit>.<acct> ledger batches
//	notifications.deposits.<template>         email dispatcher payloads
type OutboundPublisher struct {
	js StreamPublisher
}

// OutboundMessage is the JSON body of lifecycle and instruction messages.
type OutboundMessage struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	DepositID      string          `json:"deposit_id"`
	AccountID      string          `json:"account_id"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js StreamPublisher) *OutboundPublisher {
	return &OutboundPublisher{js: js}
}

func (op *OutboundPublisher) Publish(ctx context.Context, env *event.Envelope) error {
	data, err := json.Marshal(OutboundMessage{
		EventID:        env.EventID.String(),
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		DepositID:      env.DepositID.String(),
		AccountID:      env.AccountID,
		Payload:        env.Payload,
		Timestamp:      env.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := op.js.Publish(ctx, EventSubject(env), data, jetstream.WithMsgID(env.EventID.String())); err != nil {
		return fmt.Errorf("publish %s: %w", env.EventType, err)
	}

	if env.EventType.IsInstruction() {
		return nil
	}
	return op.publishNotification(ctx, env)
}

func (op *OutboundPublisher) publishNotification(ctx context.Context, env *event.Envelope) error {
	if _, ok := event.NotificationTemplate(env.EventType); !ok {
		return nil
	}
	var snap event.DepositSnapshot
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", env.EventID, err)
	}
	n, _ := event.NewNotification(env.EventType, &snap)

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := "notifications.deposits." + n.Template
	if _, err := op.js.Publish(ctx, subject, data, jetstream.WithMsgID(env.EventID.String()+":notification")); err != nil {
		return fmt.Errorf("publish notification %s: %w", n.Template, err)
	}
	return nil
}

// EventSubject is the outbound subject for an envelope.
func EventSubject(env *event.Envelope) string {
	switch env.EventType {
	case event.EventTypeCreditInstruction:
		return "ledger.instructions." + string(ledger.InstructionCredit) + "." + subjectToken(env.AccountID)
	case event.EventTypeDebitInstruction:
		return "ledger.instructions." + string(ledger.InstructionDebit) + "." + subjectToken(env.AccountID)
	}
	return "deposits.events." + env.EventType.Token() + "." + env.DepositID.String()
}

// subjectToken makes an identifier safe as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
