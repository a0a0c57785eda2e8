package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"BrokerLedger/internal/ledger"
	"BrokerLedger/internal/state"
	"BrokerLedger/internal/store"
	"BrokerLedger/internal/testutil"
)

func day(n int) time.Time {
	return time.Date(2026, 5, n, 0, 0, 0, 0, time.UTC)
}

func seedAccount(t *testing.T, ms *store.MemoryStore) *ledger.Account {
	t.Helper()
	acct := &ledger.Account{
		ID:                   uuid.New(),
		Name:                 "client-a",
		Split:                ledger.SplitSingle,
		YourSharePct:         testutil.Dec(t, "10"),
		CounterpartySharePct: decimal.Zero,
		CreatedAt:            day(1),
	}
	if err := ms.CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return acct
}

func funding(acct *ledger.Account, amount decimal.Decimal, date time.Time) *ledger.Transaction {
	return &ledger.Transaction{
		ID:        uuid.New(),
		AccountID: acct.ID,
		Date:      date,
		Kind:      ledger.KindFunding,
		Amount:    amount,
		CreatedAt: date,
	}
}

func TestMemoryStore_AtomicRollsBackOnError(t *testing.T) {
	ms := store.NewMemoryStore(time.Second)
	ctx := context.Background()
	acct := seedAccount(t, ms)

	boom := errors.New("boom")
	err := ms.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		if err := tx.AppendTransaction(funding(acct, testutil.Dec(t, "100"), day(2))); err != nil {
			return err
		}
		if err := tx.UpdateAccountCaches(testutil.Dec(t, "100"), testutil.Dec(t, "100")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	txs, _ := ms.Transactions(ctx, acct.ID)
	if len(txs) != 0 {
		t.Errorf("rolled-back unit left %d transactions", len(txs))
	}
	got, _ := ms.GetAccount(ctx, acct.ID)
	if !got.CachedCapital.IsZero() {
		t.Errorf("rolled-back unit left cache %s", got.CachedCapital)
	}
}

func TestMemoryStore_ReadYourWrites(t *testing.T) {
	ms := store.NewMemoryStore(time.Second)
	ctx := context.Background()
	acct := seedAccount(t, ms)

	err := ms.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		if err := tx.AppendTransaction(funding(acct, testutil.Dec(t, "100"), day(2))); err != nil {
			return err
		}
		txs, err := tx.Transactions()
		if err != nil {
			return err
		}
		if len(txs) != 1 {
			t.Errorf("staged write not visible: %d transactions", len(txs))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemoryStore_DuplicateSettlementIDRejected(t *testing.T) {
	ms := store.NewMemoryStore(time.Second)
	ctx := context.Background()
	acct := seedAccount(t, ms)

	sid := "deadbeef"
	settlement := func() *ledger.Transaction {
		return &ledger.Transaction{
			ID:            uuid.New(),
			AccountID:     acct.ID,
			Date:          day(3),
			Kind:          ledger.KindSettlement,
			Amount:        testutil.Dec(t, "10"),
			CapitalClosed: testutil.Dec(t, "100"),
			SettlementID:  &sid,
			CreatedAt:     day(3),
		}
	}

	if err := ms.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		return tx.AppendTransaction(settlement())
	}); err != nil {
		t.Fatal(err)
	}

	err := ms.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		return tx.AppendTransaction(settlement())
	})
	if !errors.Is(err, store.ErrDuplicateSettlementID) {
		t.Errorf("got %v, want ErrDuplicateSettlementID", err)
	}
}

func TestMemoryStore_SecondActiveSnapshotRejected(t *testing.T) {
	ms := store.NewMemoryStore(time.Second)
	ctx := context.Background()
	acct := seedAccount(t, ms)

	snap := func() *state.Snapshot {
		return state.NewSnapshot(acct, state.DirectionLoss,
			ledger.BalanceReference{Date: day(2), Balance: testutil.Dec(t, "100")},
			testutil.Dec(t, "900"), day(2))
	}

	if err := ms.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		return tx.InsertSnapshot(snap())
	}); err != nil {
		t.Fatal(err)
	}

	err := ms.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		return tx.InsertSnapshot(snap())
	})
	if !errors.Is(err, store.ErrSnapshotActive) {
		t.Errorf("got %v, want ErrSnapshotActive", err)
	}

	// Settling the first episode frees the slot.
	var snapID uuid.UUID
	active, _ := ms.ActiveSnapshot(ctx, acct.ID)
	snapID = active.ID
	if err := ms.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		return tx.MarkSnapshotSettled(snapID)
	}); err != nil {
		t.Fatal(err)
	}
	if err := ms.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		return tx.InsertSnapshot(snap())
	}); err != nil {
		t.Errorf("insert after settle: %v", err)
	}
}

func TestMemoryStore_LockTimeout(t *testing.T) {
	ms := store.NewMemoryStore(50 * time.Millisecond)
	ctx := context.Background()
	acct := seedAccount(t, ms)

	hold := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- ms.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
			close(hold)
			time.Sleep(200 * time.Millisecond)
			return nil
		})
	}()

	<-hold
	err := ms.Atomic(ctx, acct.ID, func(tx store.AccountTx) error { return nil })
	if !errors.Is(err, store.ErrLockTimeout) {
		t.Errorf("got %v, want ErrLockTimeout", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("holder failed: %v", err)
	}
}

func TestMemoryStore_TransactionsSortedByDate(t *testing.T) {
	ms := store.NewMemoryStore(time.Second)
	ctx := context.Background()
	acct := seedAccount(t, ms)

	err := ms.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		if err := tx.AppendTransaction(funding(acct, testutil.Dec(t, "2"), day(5))); err != nil {
			return err
		}
		return tx.AppendTransaction(funding(acct, testutil.Dec(t, "1"), day(3)))
	})
	if err != nil {
		t.Fatal(err)
	}

	txs, _ := ms.Transactions(ctx, acct.ID)
	if len(txs) != 2 || !txs[0].Date.Equal(day(3)) {
		t.Errorf("transactions not in date order: %+v", txs)
	}
}
