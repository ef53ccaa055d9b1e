package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"DepositEngine/internal/event"
	"DepositEngine/internal/ingestion"
)

func rawFromJSON(t *testing.T, kind ingestion.MessageKind, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Kind:      kind,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseConfirmation_Single(t *testing.T) {
	payload := map[string]interface{}{
		"update_id":      "w-42",
		"deposit_id":     "550e8400-e29b-41d4-a716-446655440000",
		"tx_reference":   " 0xabc ",
		"confirmations":  12,
		"observed_at_us": int64(1700000000000000),
	}

	msg, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindConfirmation, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(msg.Confirmations) != 1 {
		t.Fatalf("updates: got %d, want 1", len(msg.Confirmations))
	}

	u := msg.Confirmations[0]
	if u.DepositID != uuid.MustParse("550e8400-e29b-41d4-a716-446655440000") {
		t.Errorf("deposit_id: got %s", u.DepositID)
	}
	if u.Confirmations != 12 {
		t.Errorf("confirmations: got %d, want 12", u.Confirmations)
	}
	if u.TxReference != "0xabc" {
		t.Errorf("tx_reference: got %q, want 0xabc", u.TxReference)
	}
	if !u.ObservedAt.Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("observed_at: got %v", u.ObservedAt)
	}
	if u.ByDestination() {
		t.Error("update with deposit_id should not match by destination")
	}
	if u.DedupKey() != "watcher:w-42" {
		t.Errorf("dedup key: got %q", u.DedupKey())
	}
}

func TestParseConfirmation_BatchByDestination(t *testing.T) {
	payload := map[string]interface{}{
		"updates": []map[string]interface{}{
			{"address": "TAddr1", "currency": "USDT", "network": "TRC20", "confirmations": 3},
			{"address": "TAddr2", "memo": "77", "currency": "XRP", "network": "RIPPLE", "confirmations": 0},
		},
	}

	msg, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindConfirmation, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(msg.Confirmations) != 2 {
		t.Fatalf("updates: got %d, want 2", len(msg.Confirmations))
	}
	if !msg.Confirmations[0].ByDestination() {
		t.Error("expected destination match")
	}
	if msg.Confirmations[1].Memo != "77" {
		t.Errorf("memo: got %q, want 77", msg.Confirmations[1].Memo)
	}
	if got := msg.Confirmations[0].DedupKey(); got != "watcher:USDT/TRC20/TAddr1/:3" {
		t.Errorf("dedup key: got %q", got)
	}
}

func TestParseConfirmation_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]interface{}
	}{
		{"missing count", map[string]interface{}{"deposit_id": uuid.NewString()}},
		{"negative count", map[string]interface{}{"deposit_id": uuid.NewString(), "confirmations": -1}},
		{"bad deposit id", map[string]interface{}{"deposit_id": "nope", "confirmations": 1}},
		{"no target", map[string]interface{}{"address": "TAddr", "confirmations": 1}},
		{"bad batch entry", map[string]interface{}{"updates": []map[string]interface{}{{"confirmations": 1}}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindConfirmation, tc.payload))
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseReview(t *testing.T) {
	id := uuid.New()
	msg, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindReview, map[string]string{
		"deposit_id": id.String(),
		"decision":   "APPROVE",
		"reviewer":   "ops-7",
	}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.Review.DepositID != id {
		t.Errorf("deposit_id: got %s, want %s", msg.Review.DepositID, id)
	}
	if msg.Review.Decision != event.DecisionApprove {
		t.Errorf("decision: got %s, want approve", msg.Review.Decision)
	}

	_, err = ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindReview, map[string]string{
		"deposit_id": id.String(),
		"decision":   "escalate",
	}))
	if err == nil {
		t.Error("expected error for unsupported decision")
	}
}

func TestParseCompletion(t *testing.T) {
	id := uuid.New()
	msg, err := ingestion.ParseRawEvent(rawFromJSON(t, ingestion.KindCompletion, map[string]string{
		"deposit_id": id.String(),
	}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msg.Completion.DepositID != id {
		t.Errorf("deposit_id: got %s, want %s", msg.Completion.DepositID, id)
	}
}

func TestParseUnknownKind(t *testing.T) {
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, "funding", map[string]string{}))
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
