package state_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"BrokerLedger/internal/ledger"
	"BrokerLedger/internal/state"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}

func day(n int) time.Time {
	return time.Date(2026, 2, n, 0, 0, 0, 0, time.UTC)
}

// ============================================================================
// Test: state machine
// ============================================================================

func TestCanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to state.AccountState
		allowed  bool
	}{
		{state.StateNeutral, state.StateLoss, true},
		{state.StateNeutral, state.StateProfit, true},
		{state.StateLoss, state.StateLoss, true},
		{state.StateLoss, state.StateNeutral, true},
		{state.StateProfit, state.StateNeutral, true},
		{state.StateProfit, state.StateProfit, true},

		// Loss and profit never touch directly; the account passes
		// through neutral.
		{state.StateLoss, state.StateProfit, false},
		{state.StateProfit, state.StateLoss, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

// ============================================================================
// Test: classification
// ============================================================================

func TestClassify_MutualExclusion(t *testing.T) {
	threshold := dec(t, "0.01")

	cases := []struct {
		capital, balance string
		want             state.AccountState
		loss, profit     string
	}{
		{"1000", "100", state.StateLoss, "900", "0"},
		{"100", "1000", state.StateProfit, "0", "900"},
		{"1000", "1000", state.StateNeutral, "0", "0"},
		{"1000", "999.995", state.StateNeutral, "0", "0"},
		{"1000", "999.99", state.StateLoss, "0.01", "0"},
	}

	for _, tc := range cases {
		cls := state.Classify(dec(t, tc.capital), dec(t, tc.balance), threshold)
		if cls.State != tc.want {
			t.Errorf("Classify(%s, %s) state = %s, want %s",
				tc.capital, tc.balance, cls.State, tc.want)
		}
		if !cls.Loss.Equal(dec(t, tc.loss)) || !cls.Profit.Equal(dec(t, tc.profit)) {
			t.Errorf("Classify(%s, %s) = loss %s profit %s, want %s/%s",
				tc.capital, tc.balance, cls.Loss, cls.Profit, tc.loss, tc.profit)
		}
		if cls.Loss.IsPositive() && cls.Profit.IsPositive() {
			t.Errorf("Classify(%s, %s): loss and profit both non-zero", tc.capital, tc.balance)
		}
	}
}

// ============================================================================
// Test: snapshot
// ============================================================================

func testAccount(t *testing.T, split ledger.BeneficiarySplit) *ledger.Account {
	t.Helper()
	return &ledger.Account{
		ID:                   uuid.New(),
		Name:                 "client-a",
		Split:                split,
		YourSharePct:         dec(t, "1"),
		CounterpartySharePct: dec(t, "9"),
		CreatedAt:            day(1),
	}
}

func TestNewSnapshot_FreezesShares(t *testing.T) {
	acct := testAccount(t, ledger.SplitDual)
	ref := ledger.BalanceReference{Date: day(2), Balance: dec(t, "100")}

	snap := state.NewSnapshot(acct, state.DirectionLoss, ref, dec(t, "900"), day(2))

	if !snap.YourSharePct.Equal(dec(t, "1")) || !snap.CounterpartySharePct.Equal(dec(t, "9")) {
		t.Errorf("frozen shares = %s/%s, want 1/9", snap.YourSharePct, snap.CounterpartySharePct)
	}

	// Changing the live defaults afterwards never reprices the episode.
	acct.YourSharePct = dec(t, "50")
	if !snap.TotalSharePct().Equal(dec(t, "10")) {
		t.Errorf("total pct = %s, want 10", snap.TotalSharePct())
	}
}

func TestNewSnapshot_SingleSplitDropsCounterparty(t *testing.T) {
	acct := testAccount(t, ledger.SplitSingle)
	ref := ledger.BalanceReference{Date: day(2), Balance: dec(t, "100")}

	snap := state.NewSnapshot(acct, state.DirectionLoss, ref, dec(t, "900"), day(2))
	if !snap.CounterpartySharePct.IsZero() {
		t.Errorf("counterparty pct = %s, want 0", snap.CounterpartySharePct)
	}
}

func TestSnapshotRemaining(t *testing.T) {
	acct := testAccount(t, ledger.SplitDual)
	ref := ledger.BalanceReference{Date: day(2), Balance: dec(t, "100")}
	snap := state.NewSnapshot(acct, state.DirectionLoss, ref, dec(t, "900"), day(2))

	sid1, sid2 := uuid.NewString(), uuid.NewString()
	txs := []ledger.Transaction{
		{
			ID: uuid.New(), AccountID: acct.ID, Date: day(3),
			Kind: ledger.KindSettlement, Amount: dec(t, "10"),
			CapitalClosed: dec(t, "100"), SettlementID: &sid1,
		},
		{
			ID: uuid.New(), AccountID: acct.ID, Date: day(4),
			Kind: ledger.KindSettlement, Amount: dec(t, "20"),
			CapitalClosed: dec(t, "200"), SettlementID: &sid2,
		},
		// Pre-freeze entries never count against the episode.
		{
			ID: uuid.New(), AccountID: acct.ID, Date: day(1),
			Kind: ledger.KindAdjustment, Amount: decimal.Zero,
			CapitalClosed: dec(t, "50"),
		},
	}

	remaining := snap.Remaining(txs)
	if !remaining.Equal(dec(t, "600")) {
		t.Errorf("remaining = %s, want 600", remaining)
	}
}

func TestSnapshotRemaining_ProfitDirection(t *testing.T) {
	acct := testAccount(t, ledger.SplitDual)
	ref := ledger.BalanceReference{Date: day(2), Balance: dec(t, "1900")}
	snap := state.NewSnapshot(acct, state.DirectionProfit, ref, dec(t, "900"), day(2))

	sid := uuid.NewString()
	txs := []ledger.Transaction{
		{
			ID: uuid.New(), AccountID: acct.ID, Date: day(3),
			Kind: ledger.KindSettlement, Amount: dec(t, "30"),
			ProfitTaken: dec(t, "300"), SettlementID: &sid,
		},
	}

	remaining := snap.Remaining(txs)
	if !remaining.Equal(dec(t, "600")) {
		t.Errorf("remaining profit = %s, want 600", remaining)
	}
}
