package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"BrokerLedger/internal/ledger"
	"BrokerLedger/internal/state"
	"BrokerLedger/internal/store"
	"BrokerLedger/internal/testutil"
)

func setupPostgres(t *testing.T) *store.PostgresStore {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	migrator := store.NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	return store.NewPostgresStore(db, time.Second)
}

func TestPostgres_AccountRoundTrip(t *testing.T) {
	ps := setupPostgres(t)
	ctx := context.Background()

	acct := &ledger.Account{
		ID:                   uuid.New(),
		Name:                 "client-b",
		Split:                ledger.SplitDual,
		YourSharePct:         testutil.Dec(t, "1"),
		CounterpartySharePct: testutil.Dec(t, "9"),
		CreatedAt:            day(1),
	}
	if err := ps.CreateAccount(ctx, acct); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := ps.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != acct.Name || got.Split != ledger.SplitDual {
		t.Errorf("got %+v", got)
	}
	if !got.YourSharePct.Equal(acct.YourSharePct) || !got.CounterpartySharePct.Equal(acct.CounterpartySharePct) {
		t.Errorf("share pcts lost precision: %s / %s", got.YourSharePct, got.CounterpartySharePct)
	}

	if _, err := ps.GetAccount(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing account: got %v, want ErrNotFound", err)
	}
}

func TestPostgres_AtomicAppendAndRollback(t *testing.T) {
	ps := setupPostgres(t)
	ctx := context.Background()

	acct := &ledger.Account{
		ID:           uuid.New(),
		Name:         "client-c",
		Split:        ledger.SplitSingle,
		YourSharePct: testutil.Dec(t, "10"),
		CreatedAt:    day(1),
	}
	if err := ps.CreateAccount(ctx, acct); err != nil {
		t.Fatal(err)
	}

	err := ps.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		if err := tx.AppendTransaction(funding(acct, testutil.Dec(t, "1000"), day(2))); err != nil {
			return err
		}
		return tx.UpdateAccountCaches(testutil.Dec(t, "1000"), testutil.Dec(t, "1000"))
	})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}

	txs, err := ps.Transactions(ctx, acct.ID)
	if err != nil || len(txs) != 1 {
		t.Fatalf("transactions after commit: %v, %d rows", err, len(txs))
	}
	if txs[0].Kind != ledger.KindFunding || !txs[0].Amount.Equal(testutil.Dec(t, "1000")) {
		t.Errorf("round trip corrupted row: %+v", txs[0])
	}

	boom := errors.New("boom")
	err = ps.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		if err := tx.AppendTransaction(funding(acct, testutil.Dec(t, "50"), day(3))); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	txs, _ = ps.Transactions(ctx, acct.ID)
	if len(txs) != 1 {
		t.Errorf("rollback leaked a row: %d transactions", len(txs))
	}
}

func TestPostgres_DuplicateSettlementIDMapped(t *testing.T) {
	ps := setupPostgres(t)
	ctx := context.Background()

	acct := &ledger.Account{
		ID:           uuid.New(),
		Name:         "client-d",
		Split:        ledger.SplitSingle,
		YourSharePct: testutil.Dec(t, "10"),
		CreatedAt:    day(1),
	}
	if err := ps.CreateAccount(ctx, acct); err != nil {
		t.Fatal(err)
	}

	sid := "cafebabe"
	settlement := func() *ledger.Transaction {
		return &ledger.Transaction{
			ID:            uuid.New(),
			AccountID:     acct.ID,
			Date:          day(2),
			Kind:          ledger.KindSettlement,
			Amount:        testutil.Dec(t, "10"),
			CapitalClosed: testutil.Dec(t, "100"),
			SettlementID:  &sid,
			CreatedAt:     day(2),
		}
	}

	if err := ps.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		return tx.AppendTransaction(settlement())
	}); err != nil {
		t.Fatal(err)
	}

	err := ps.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		return tx.AppendTransaction(settlement())
	})
	if !errors.Is(err, store.ErrDuplicateSettlementID) {
		t.Errorf("got %v, want ErrDuplicateSettlementID", err)
	}

	err = ps.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		got, err := tx.TransactionBySettlementID(sid)
		if err != nil {
			return err
		}
		if got == nil || got.SettlementID == nil || *got.SettlementID != sid {
			t.Errorf("lookup by settlement id: %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
}

func TestPostgres_SingleActiveSnapshotEnforced(t *testing.T) {
	ps := setupPostgres(t)
	ctx := context.Background()

	acct := &ledger.Account{
		ID:           uuid.New(),
		Name:         "client-e",
		Split:        ledger.SplitSingle,
		YourSharePct: testutil.Dec(t, "10"),
		CreatedAt:    day(1),
	}
	if err := ps.CreateAccount(ctx, acct); err != nil {
		t.Fatal(err)
	}

	snap := func() *state.Snapshot {
		return state.NewSnapshot(acct, state.DirectionLoss,
			ledger.BalanceReference{Date: day(2), Balance: testutil.Dec(t, "100")},
			testutil.Dec(t, "900"), day(2))
	}

	if err := ps.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		return tx.InsertSnapshot(snap())
	}); err != nil {
		t.Fatal(err)
	}

	err := ps.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		return tx.InsertSnapshot(snap())
	})
	if !errors.Is(err, store.ErrSnapshotActive) {
		t.Errorf("got %v, want ErrSnapshotActive", err)
	}

	active, err := ps.ActiveSnapshot(ctx, acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := ps.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		return tx.MarkSnapshotSettled(active.ID)
	}); err != nil {
		t.Fatal(err)
	}
	if got, _ := ps.ActiveSnapshot(ctx, acct.ID); got != nil {
		t.Errorf("snapshot still active after settle: %+v", got)
	}

	if err := ps.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		return tx.InsertSnapshot(snap())
	}); err != nil {
		t.Errorf("insert after settle: %v", err)
	}
}

func TestPostgres_TransactionRowsAreImmutable(t *testing.T) {
	ps := setupPostgres(t)
	ctx := context.Background()
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	acct := &ledger.Account{
		ID:           uuid.New(),
		Name:         "client-f",
		Split:        ledger.SplitSingle,
		YourSharePct: testutil.Dec(t, "10"),
		CreatedAt:    day(1),
	}
	if err := ps.CreateAccount(ctx, acct); err != nil {
		t.Fatal(err)
	}
	if err := ps.Atomic(ctx, acct.ID, func(tx store.AccountTx) error {
		return tx.AppendTransaction(funding(acct, testutil.Dec(t, "1000"), day(2)))
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := db.ExecContext(ctx,
		`UPDATE broker.transactions SET amount = 0 WHERE account_id = $1`, acct.ID); err == nil {
		t.Error("UPDATE on transactions succeeded, trigger missing")
	}
	if _, err := db.ExecContext(ctx,
		`DELETE FROM broker.transactions WHERE account_id = $1`, acct.ID); err == nil {
		t.Error("DELETE on transactions succeeded, trigger missing")
	}
}
