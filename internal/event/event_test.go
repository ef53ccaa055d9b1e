package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DepositEngine/internal/ledger"
	"DepositEngine/internal/state"
)

func TestEventTypeNames(t *testing.T) {
	for _, et := range allTypes {
		parsed, err := ParseEventType(et.String())
		require.NoError(t, err, et.String())
		assert.Equal(t, et, parsed)
		assert.NotEqual(t, "unknown", et.Token())
	}

	_, err := ParseEventType("TradeFill")
	assert.Error(t, err)
	assert.True(t, EventTypeCreditInstruction.IsInstruction())
	assert.False(t, EventTypeDepositCompleted.IsInstruction())
}

func TestSnapshotIdempotencyKeys(t *testing.T) {
	d := &state.Deposit{ID: uuid.MustParse("11111111-1111-1111-1111-111111111111"), Confirmations: 7, Status: state.StatusAwaitingConfirmations}
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	rec := NewDepositSnapshot(EventTypeConfirmationRecorded, d, state.StatusPending, at)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111:confirmation:7", rec.IdempotencyKey())

	done := NewDepositSnapshot(EventTypeDepositCompleted, d, state.StatusConfirmed, at)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111:completed", done.IdempotencyKey())

	credit := &Instruction{Batch: &ledger.Batch{DepositID: d.ID, Kind: ledger.InstructionCredit}}
	debit := &Instruction{Batch: &ledger.Batch{DepositID: d.ID, Kind: ledger.InstructionDebit}}
	assert.Equal(t, EventTypeCreditInstruction, credit.EventType())
	assert.Equal(t, EventTypeDebitInstruction, debit.EventType())
	assert.NotEqual(t, credit.IdempotencyKey(), debit.IdempotencyKey())
}

func TestSnapshotReasonFollowsStatus(t *testing.T) {
	d := &state.Deposit{ID: uuid.New(), Status: state.StatusOnHold, HoldReason: "mismatch", FailureReason: "ignored"}
	assert.Equal(t, "mismatch", NewDepositSnapshot(EventTypeDepositOnHold, d, state.StatusPending, time.Now()).Reason)

	d.Status = state.StatusFailed
	assert.Equal(t, "ignored", NewDepositSnapshot(EventTypeDepositFailed, d, state.StatusOnHold, time.Now()).Reason)
}

func TestNewEnvelope(t *testing.T) {
	d := &state.Deposit{ID: uuid.New(), AccountID: "acct-1", Net: decimal.RequireFromString("98.50"), Status: state.StatusCompleted}
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	snap := NewDepositSnapshot(EventTypeDepositCompleted, d, state.StatusConfirmed, at)

	env, err := NewEnvelope(d.ID, d.AccountID, snap, at)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, env.EventID)
	assert.Equal(t, EventTypeDepositCompleted, env.EventType)
	assert.Equal(t, snap.IdempotencyKey(), env.IdempotencyKey)
	assert.Nil(t, env.PublishedAt)

	var decoded DepositSnapshot
	require.NoError(t, json.Unmarshal(env.Payload, &decoded))
	assert.True(t, decoded.Net.Equal(d.Net))
	assert.Equal(t, state.StatusConfirmed, decoded.PreviousStatus)
}

func TestConfirmationDedupKey(t *testing.T) {
	id := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	tests := []struct {
		name   string
		update ConfirmationUpdate
		want   string
	}{
		{"watcher id wins", ConfirmationUpdate{UpdateID: "w-9", DepositID: id, Confirmations: 3}, "watcher:w-9"},
		{"by deposit", ConfirmationUpdate{DepositID: id, Confirmations: 3}, "watcher:22222222-2222-2222-2222-222222222222:3"},
		{"by destination", ConfirmationUpdate{Currency: "usdt", Network: "trc20", Address: "TAddr", Memo: "42", Confirmations: 5}, "watcher:USDT/TRC20/TAddr/42:5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.update.DedupKey())
		})
	}
}

func TestParseReviewDecision(t *testing.T) {
	d, ok := ParseReviewDecision(" Approve ")
	assert.True(t, ok)
	assert.Equal(t, DecisionApprove, d)

	_, ok = ParseReviewDecision("escalate")
	assert.False(t, ok)
}

func TestNotifications(t *testing.T) {
	snap := &DepositSnapshot{DepositID: uuid.New(), UserID: "user-1", Status: state.StatusCompleted, Net: decimal.NewFromInt(98)}

	n, ok := NewNotification(EventTypeDepositCompleted, snap)
	require.True(t, ok)
	assert.Equal(t, "deposit_credited", n.Template)
	assert.Equal(t, "user-1", n.UserID)

	_, ok = NewNotification(EventTypeConfirmationRecorded, snap)
	assert.False(t, ok)
	_, ok = NewNotification(EventTypeCreditInstruction, snap)
	assert.False(t, ok)
}
