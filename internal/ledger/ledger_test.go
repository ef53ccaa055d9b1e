package ledger_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"DepositEngine/internal/ledger"
	"DepositEngine/internal/state"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func completedDeposit() *state.Deposit {
	return &state.Deposit{
		ID:        uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		UserID:    "user-7",
		AccountID: "acct-42",
		Currency:  "USDT",
		Network:   "TRC20",
		Gross:     dec("102"),
		Fee:       dec("2.04"),
		Net:       dec("99.96"),
		Status:    state.StatusCompleted,
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	cases := []struct {
		key  ledger.AccountKey
		want string
	}{
		{ledger.NewAccountKey("acct-42", ledger.SubTypeAvailable, "USDT"), "account:acct-42:available:USDT"},
		{ledger.NewSystemAccountKey(ledger.SubTypeSystemFees, "USDT"), "system:fees:USDT"},
		{ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "BTC"), "external:deposits:BTC"},
	}
	for _, c := range cases {
		if got := c.key.AccountPath(); got != c.want {
			t.Errorf("got %q, want %q", got, c.want)
		}
		parsed, err := ledger.ParseAccountPath(c.want)
		if err != nil {
			t.Fatalf("parse %q: %v", c.want, err)
		}
		if parsed != c.key {
			t.Errorf("parse %q: got %+v, want %+v", c.want, parsed, c.key)
		}
	}
}

func TestParseAccountPath_Invalid(t *testing.T) {
	for _, p := range []string{"", "user:x:collateral:USDT", "account::available:USDT", "system:pool:USDT", "external:deposits"} {
		if _, err := ledger.ParseAccountPath(p); err == nil {
			t.Errorf("%q: expected error", p)
		}
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestGenerateDepositCredit(t *testing.T) {
	d := completedDeposit()
	batch, err := ledger.NewJournalGenerator().GenerateDepositCredit(d, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatal(err)
	}

	if batch.Kind != ledger.InstructionCredit {
		t.Errorf("kind: got %s, want credit", batch.Kind)
	}
	if len(batch.Journals) != 2 {
		t.Fatalf("journals: got %d, want 2", len(batch.Journals))
	}
	if !batch.Total().Equal(d.Gross) {
		t.Errorf("total: got %s, want gross %s", batch.Total(), d.Gross)
	}

	net := batch.Journals[0]
	if net.DebitAccount.AccountPath() != "account:acct-42:available:USDT" || !net.Amount.Equal(d.Net) {
		t.Errorf("net leg: %s %s", net.DebitAccount, net.Amount)
	}
	fee := batch.Journals[1]
	if fee.DebitAccount.AccountPath() != "system:fees:USDT" || !fee.Amount.Equal(d.Fee) {
		t.Errorf("fee leg: %s %s", fee.DebitAccount, fee.Amount)
	}
}

func TestGenerateDepositCredit_DeterministicIDs(t *testing.T) {
	d := completedDeposit()
	a, _ := ledger.NewJournalGenerator().GenerateDepositCredit(d, time.Now())
	b, _ := ledger.NewJournalGenerator().GenerateDepositCredit(d, time.Now().Add(time.Hour))
	if a.BatchID != b.BatchID || a.Journals[0].JournalID != b.Journals[0].JournalID {
		t.Error("regenerated credit should carry the same ids")
	}
}

func TestGenerateDepositCredit_RequiresCompleted(t *testing.T) {
	d := completedDeposit()
	d.Status = state.StatusConfirmed
	if _, err := ledger.NewJournalGenerator().GenerateDepositCredit(d, time.Now()); err == nil {
		t.Error("expected error for confirmed deposit")
	}
}

func TestGenerateDepositCredit_ZeroFeeSingleLeg(t *testing.T) {
	d := completedDeposit()
	d.Fee = decimal.Zero
	d.Net = d.Gross
	batch, err := ledger.NewJournalGenerator().GenerateDepositCredit(d, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Journals) != 1 {
		t.Errorf("journals: got %d, want 1", len(batch.Journals))
	}
}

func TestGenerateDepositReversal_MirrorsCredit(t *testing.T) {
	gen := ledger.NewJournalGenerator()
	d := completedDeposit()
	credit, err := gen.GenerateDepositCredit(d, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	d.Status = state.StatusReversed
	debit, err := gen.GenerateDepositReversal(d, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if debit.BatchID == credit.BatchID {
		t.Error("reversal must not reuse the credit batch id")
	}

	bt := ledger.NewBalanceTracker()
	if _, err := bt.ApplyBatch(credit); err != nil {
		t.Fatal(err)
	}
	if !bt.GetAvailableBalance("acct-42", "USDT").Equal(dec("99.96")) {
		t.Errorf("after credit: got %s", bt.GetAvailableBalance("acct-42", "USDT"))
	}
	if _, err := bt.ApplyBatch(debit); err != nil {
		t.Fatal(err)
	}
	for k, v := range bt.Snapshot() {
		if !v.IsZero() {
			t.Errorf("%s: got %s after reversal, want 0", k, v)
		}
	}
}

func TestBatch_JSONUsesAccountPaths(t *testing.T) {
	batch, _ := ledger.NewJournalGenerator().GenerateDepositCredit(completedDeposit(), time.Now())
	raw, err := json.Marshal(batch)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Journals []struct {
			DebitAccount string `json:"debit_account"`
			JournalType  string `json:"journal_type"`
		} `json:"journals"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Journals[0].DebitAccount != "account:acct-42:available:USDT" {
		t.Errorf("got %q", decoded.Journals[0].DebitAccount)
	}
	if decoded.Journals[1].JournalType != "deposit_fee" {
		t.Errorf("got %q", decoded.Journals[1].JournalType)
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_ApplyBatchOnce(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	batch, _ := ledger.NewJournalGenerator().GenerateDepositCredit(completedDeposit(), time.Now())

	applied, err := bt.ApplyBatch(batch)
	if err != nil || !applied {
		t.Fatalf("first apply: applied=%v err=%v", applied, err)
	}
	applied, err = bt.ApplyBatch(batch)
	if err != nil || applied {
		t.Fatalf("second apply: applied=%v err=%v", applied, err)
	}
	if !bt.GetAvailableBalance("acct-42", "USDT").Equal(dec("99.96")) {
		t.Errorf("got %s, want 99.96", bt.GetAvailableBalance("acct-42", "USDT"))
	}
	if !bt.GetFeesCollected("USDT").Equal(dec("2.04")) {
		t.Errorf("fees: got %s, want 2.04", bt.GetFeesCollected("USDT"))
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewAccountKey("a1", ledger.SubTypeAvailable, "USDT"),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "USDT"),
		Asset:         "USDT",
		Amount:        dec("9.99"),
	})

	snap := bt.Snapshot()
	for k := range snap {
		snap[k] = decimal.Zero
	}
	if !bt.GetAvailableBalance("a1", "USDT").Equal(dec("9.99")) {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate(t *testing.T) {
	batchID := uuid.New()
	good := ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		DebitAccount:  ledger.NewAccountKey("a1", ledger.SubTypeAvailable, "USDT"),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "USDT"),
		Asset:         "USDT",
		Amount:        dec("1"),
	}

	cases := []struct {
		name   string
		mutate func(j *ledger.Journal)
		empty  bool
		ok     bool
	}{
		{name: "valid", mutate: func(*ledger.Journal) {}, ok: true},
		{name: "empty", empty: true},
		{name: "zero amount", mutate: func(j *ledger.Journal) { j.Amount = decimal.Zero }},
		{name: "negative amount", mutate: func(j *ledger.Journal) { j.Amount = dec("-1") }},
		{name: "self transfer", mutate: func(j *ledger.Journal) { j.CreditAccount = j.DebitAccount }},
		{name: "mismatched batch", mutate: func(j *ledger.Journal) { j.BatchID = uuid.New() }},
		{name: "mixed asset", mutate: func(j *ledger.Journal) { j.CreditAccount.Asset = "BTC" }},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b := &ledger.Batch{BatchID: batchID, Asset: "USDT"}
			if !c.empty {
				j := good
				c.mutate(&j)
				b.Journals = []ledger.Journal{j}
			}
			err := b.Validate()
			if c.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !c.ok && err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	batch, _ := ledger.NewJournalGenerator().GenerateDepositCredit(completedDeposit(), time.Now())
	if err := v.ValidateBatchBalance(batch); err != nil {
		t.Fatal(err)
	}
	if _, err := bt.ApplyBatch(batch); err != nil {
		t.Fatal(err)
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
	if err := v.ValidateAccountNonNegative("acct-42", "USDT"); err != nil {
		t.Errorf("non-negative: %v", err)
	}

	bt.ApplyJournal(ledger.Journal{
		DebitAccount:  ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "USDT"),
		CreditAccount: ledger.NewAccountKey("acct-42", ledger.SubTypeAvailable, "USDT"),
		Asset:         "USDT",
		Amount:        dec("500"),
	})
	if err := v.ValidateAccountNonNegative("acct-42", "USDT"); err == nil {
		t.Error("expected negative balance error")
	}
}
