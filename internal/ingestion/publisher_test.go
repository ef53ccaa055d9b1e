package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"DepositEngine/internal/event"
	"DepositEngine/internal/ingestion"
	"DepositEngine/internal/ledger"
	"DepositEngine/internal/state"
)

type published struct {
	subject string
	data    []byte
}

type fakeStream struct {
	msgs []published
	err  error
}

func (f *fakeStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{Stream: "TEST", Sequence: uint64(len(f.msgs))}, nil
}

var publisherEpoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func completedDeposit() *state.Deposit {
	return &state.Deposit{
		ID:                    uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		UserID:                "user-1",
		AccountID:             "acct-1",
		Currency:              "USDT",
		Network:               "TRC20",
		Purpose:               state.PurposeGeneral,
		Gross:                 decimal.NewFromInt(100),
		FeePercent:            decimal.NewFromInt(2),
		Fee:                   decimal.NewFromInt(2),
		Net:                   decimal.NewFromInt(98),
		Precision:             2,
		RequiredConfirmations: 20,
		Confirmations:         20,
		Destination:           state.Destination{Address: "TAddr"},
		Evidence:              state.Evidence{TxReference: "0xabc"},
		Status:                state.StatusCompleted,
		Version:               4,
	}
}

func snapshotEnvelope(t *testing.T, et event.EventType, d *state.Deposit) *event.Envelope {
	t.Helper()
	env, err := event.NewEnvelope(d.ID, d.AccountID, event.NewDepositSnapshot(et, d, state.StatusConfirmed, publisherEpoch), publisherEpoch)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func instructionEnvelope(t *testing.T, d *state.Deposit) *event.Envelope {
	t.Helper()
	batch, err := ledger.NewJournalGenerator().GenerateDepositCredit(d, publisherEpoch)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	env, err := event.NewEnvelope(d.ID, d.AccountID, &event.Instruction{Batch: batch}, publisherEpoch)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func TestEventSubject(t *testing.T) {
	d := completedDeposit()
	tests := []struct {
		env  *event.Envelope
		want string
	}{
		{snapshotEnvelope(t, event.EventTypeDepositCompleted, d), "deposits.events.completed.11111111-1111-1111-1111-111111111111"},
		{snapshotEnvelope(t, event.EventTypeConfirmationRecorded, d), "deposits.events.confirmation.11111111-1111-1111-1111-111111111111"},
		{instructionEnvelope(t, d), "ledger.instructions.credit.acct-1"},
	}
	for _, tc := range tests {
		if got := ingestion.EventSubject(tc.env); got != tc.want {
			t.Errorf("subject for %s: got %s, want %s", tc.env.EventType, got, tc.want)
		}
	}

	dotted := instructionEnvelope(t, d)
	dotted.AccountID = "acct.with.dots"
	if got := ingestion.EventSubject(dotted); got != "ledger.instructions.credit.acct_with_dots" {
		t.Errorf("dotted account subject: got %s", got)
	}
}

func TestOutboundPublisher_LifecycleWithNotification(t *testing.T) {
	stream := &fakeStream{}
	pub := ingestion.NewOutboundPublisher(stream)

	if err := pub.Publish(context.Background(), snapshotEnvelope(t, event.EventTypeDepositCompleted, completedDeposit())); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(stream.msgs) != 2 {
		t.Fatalf("messages: got %d, want 2", len(stream.msgs))
	}
	if stream.msgs[1].subject != "notifications.deposits.deposit_credited" {
		t.Errorf("notification subject: got %s", stream.msgs[1].subject)
	}

	var n event.Notification
	if err := json.Unmarshal(stream.msgs[1].data, &n); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if n.UserID != "user-1" || !n.Net.Equal(decimal.NewFromInt(98)) {
		t.Errorf("notification: got user=%s net=%s", n.UserID, n.Net)
	}

	var msg ingestion.OutboundMessage
	if err := json.Unmarshal(stream.msgs[0].data, &msg); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if msg.EventType != "DepositCompleted" {
		t.Errorf("event_type: got %s", msg.EventType)
	}
}

func TestOutboundPublisher_NoNotificationForConfirmation(t *testing.T) {
	stream := &fakeStream{}
	pub := ingestion.NewOutboundPublisher(stream)

	if err := pub.Publish(context.Background(), snapshotEnvelope(t, event.EventTypeConfirmationRecorded, completedDeposit())); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(stream.msgs) != 1 {
		t.Errorf("messages: got %d, want 1", len(stream.msgs))
	}
}

func TestOutboundPublisher_Error(t *testing.T) {
	pub := ingestion.NewOutboundPublisher(&fakeStream{err: errors.New("no responders")})
	if err := pub.Publish(context.Background(), instructionEnvelope(t, completedDeposit())); err == nil {
		t.Fatal("expected error")
	}
}

func TestLocalPublisher_PostsInstructionsOnce(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	pub := ingestion.NewLocalPublisher(tracker, zerolog.Nop())
	d := completedDeposit()
	env := instructionEnvelope(t, d)

	for i := 0; i < 2; i++ {
		if err := pub.Publish(context.Background(), env); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if got := tracker.GetAvailableBalance("acct-1", "USDT"); !got.Equal(decimal.NewFromInt(98)) {
		t.Errorf("available: got %s, want 98", got)
	}
	if got := tracker.GetFeesCollected("USDT"); !got.Equal(decimal.NewFromInt(2)) {
		t.Errorf("fees: got %s, want 2", got)
	}

	if err := pub.Publish(context.Background(), snapshotEnvelope(t, event.EventTypeDepositCompleted, d)); err != nil {
		t.Errorf("lifecycle publish: %v", err)
	}
}
