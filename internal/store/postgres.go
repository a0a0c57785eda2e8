package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"BrokerLedger/internal/ledger"
	"BrokerLedger/internal/state"
)

// Postgres error codes the engine's control flow depends on.
const (
	pqUniqueViolation  = "23505"
	pqLockNotAvailable = "55P03"
)

// Names of the two constraints the invariants rely on (migration 000001).
const (
	constraintSettlementID   = "transactions_settlement_id_key"
	constraintActiveSnapshot = "snapshots_active_account_key"
)

// PostgresStore implements Store on PostgreSQL via database/sql. Monetary
// values are stored as NUMERIC and travel as strings to keep them exact.
// The account row is locked with SELECT ... FOR UPDATE inside Atomic, and
// lock_timeout converts an over-long wait into ErrLockTimeout.
type PostgresStore struct {
	db       *sql.DB
	lockWait time.Duration
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB, lockWait time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockWait: lockWait}
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *ledger.Account) error {
	if err := acct.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broker.accounts
		 (id, name, beneficiary_split, your_share_pct, counterparty_share_pct,
		  cached_capital, cached_balance, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		acct.ID, acct.Name, int32(acct.Split),
		acct.YourSharePct.String(), acct.CounterpartySharePct.String(),
		acct.CachedCapital.String(), acct.CachedBalance.String(),
		acct.CreatedAt,
	)
	return mapPQError(err)
}

const accountColumns = `id, name, beneficiary_split,
	your_share_pct::TEXT, counterparty_share_pct::TEXT,
	cached_capital::TEXT, cached_balance::TEXT, created_at`

func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*ledger.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM broker.accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM broker.accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) Transactions(ctx context.Context, accountID uuid.UUID) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, s.db, accountID)
}

func (s *PostgresStore) ActiveSnapshot(ctx context.Context, accountID uuid.UUID) (*state.Snapshot, error) {
	return queryActiveSnapshot(ctx, s.db, accountID)
}

// Atomic opens a transaction, locks the account row exclusively, runs fn, and
// commits. Any error from fn rolls everything back — no partial writes are
// ever visible.
func (s *PostgresStore) Atomic(ctx context.Context, accountID uuid.UUID, fn func(AccountTx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer dbTx.Rollback()

	lockMillis := s.lockWait.Milliseconds()
	if _, err := dbTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockMillis)); err != nil {
		return fmt.Errorf("set lock_timeout: %w", err)
	}

	row := dbTx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM broker.accounts WHERE id = $1 FOR UPDATE`, accountID)
	acct, err := scanAccount(row)
	if err != nil {
		return mapPQError(err)
	}

	tx := &postgresTx{ctx: ctx, dbTx: dbTx, account: acct}
	if err := fn(tx); err != nil {
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return mapPQError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

type postgresTx struct {
	ctx     context.Context
	dbTx    *sql.Tx
	account *ledger.Account
}

func (tx *postgresTx) Account() *ledger.Account {
	cp := *tx.account
	return &cp
}

func (tx *postgresTx) Transactions() ([]ledger.Transaction, error) {
	return queryTransactions(tx.ctx, tx.dbTx, tx.account.ID)
}

func (tx *postgresTx) TransactionBySettlementID(settlementID string) (*ledger.Transaction, error) {
	row := tx.dbTx.QueryRowContext(tx.ctx,
		`SELECT `+transactionColumns+`
		 FROM broker.transactions WHERE settlement_id = $1`, settlementID)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (tx *postgresTx) AppendTransaction(t *ledger.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}

	_, err := tx.dbTx.ExecContext(tx.ctx,
		`INSERT INTO broker.transactions
		 (id, account_id, date, kind, amount, capital_closed, profit_taken,
		  your_share_amount, counterparty_share_amount, settlement_id, note, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		t.ID, t.AccountID, t.Date, int32(t.Kind),
		t.Amount.String(), t.CapitalClosed.String(), t.ProfitTaken.String(),
		t.YourShareAmount.String(), t.CounterpartyShareAmount.String(),
		t.SettlementID, t.Note, t.CreatedAt,
	)
	return mapPQError(err)
}

func (tx *postgresTx) ActiveSnapshot() (*state.Snapshot, error) {
	return queryActiveSnapshot(tx.ctx, tx.dbTx, tx.account.ID)
}

func (tx *postgresTx) ActiveSnapshotCount() (int, error) {
	var count int
	err := tx.dbTx.QueryRowContext(tx.ctx,
		`SELECT COUNT(*) FROM broker.snapshots WHERE account_id = $1 AND NOT is_settled`,
		tx.account.ID).Scan(&count)
	return count, err
}

func (tx *postgresTx) LatestSettledSnapshot(dir state.Direction) (*state.Snapshot, error) {
	row := tx.dbTx.QueryRowContext(tx.ctx,
		`SELECT `+snapshotColumns+`
		 FROM broker.snapshots
		 WHERE account_id = $1 AND direction = $2 AND is_settled
		 ORDER BY created_at DESC LIMIT 1`,
		tx.account.ID, int32(dir))
	return scanSnapshot(row)
}

func (tx *postgresTx) InsertSnapshot(s *state.Snapshot) error {
	_, err := tx.dbTx.ExecContext(tx.ctx,
		`INSERT INTO broker.snapshots
		 (id, account_id, direction, reference_date, reference_balance,
		  amount, your_share_pct, counterparty_share_pct, is_settled, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		s.ID, s.AccountID, int32(s.Direction),
		s.Reference.Date, s.Reference.Balance.String(),
		s.Amount.String(), s.YourSharePct.String(), s.CounterpartySharePct.String(),
		s.IsSettled, s.CreatedAt,
	)
	return mapPQError(err)
}

func (tx *postgresTx) MarkSnapshotSettled(id uuid.UUID) error {
	res, err := tx.dbTx.ExecContext(tx.ctx,
		`UPDATE broker.snapshots SET is_settled = TRUE WHERE id = $1 AND NOT is_settled`, id)
	if err != nil {
		return mapPQError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *postgresTx) UpdateAccountCaches(capital, balance decimal.Decimal) error {
	_, err := tx.dbTx.ExecContext(tx.ctx,
		`UPDATE broker.accounts SET cached_capital = $1::NUMERIC, cached_balance = $2::NUMERIC
		 WHERE id = $3`,
		capital.String(), balance.String(), tx.account.ID)
	return mapPQError(err)
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const transactionColumns = `id, account_id, date, kind,
	amount::TEXT, capital_closed::TEXT, profit_taken::TEXT,
	your_share_amount::TEXT, counterparty_share_amount::TEXT,
	settlement_id, note, created_at`

func queryTransactions(ctx context.Context, q querier, accountID uuid.UUID) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+transactionColumns+`
		 FROM broker.transactions WHERE account_id = $1
		 ORDER BY date, created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

const snapshotColumns = `id, account_id, direction, reference_date, reference_balance::TEXT,
	amount::TEXT, your_share_pct::TEXT, counterparty_share_pct::TEXT,
	is_settled, created_at`

func queryActiveSnapshot(ctx context.Context, q querier, accountID uuid.UUID) (*state.Snapshot, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+`
		 FROM broker.snapshots WHERE account_id = $1 AND NOT is_settled`, accountID)
	return scanSnapshot(row)
}

func scanSnapshot(row rowScanner) (*state.Snapshot, error) {
	var (
		snap               state.Snapshot
		direction          int32
		refBalance, amount string
		yoursPct, cpPct    string
	)
	err := row.Scan(&snap.ID, &snap.AccountID, &direction, &snap.Reference.Date, &refBalance,
		&amount, &yoursPct, &cpPct, &snap.IsSettled, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap.Direction = state.Direction(direction)
	if snap.Reference.Balance, err = decimal.NewFromString(refBalance); err != nil {
		return nil, fmt.Errorf("snapshot %s reference_balance: %w", snap.ID, err)
	}
	if snap.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("snapshot %s amount: %w", snap.ID, err)
	}
	if snap.YourSharePct, err = decimal.NewFromString(yoursPct); err != nil {
		return nil, err
	}
	if snap.CounterpartySharePct, err = decimal.NewFromString(cpPct); err != nil {
		return nil, err
	}
	return &snap, nil
}

func scanAccount(row rowScanner) (*ledger.Account, error) {
	var (
		acct                       ledger.Account
		split                      int32
		yoursPct, cpPct            string
		cachedCapital, cachedBalance string
	)
	err := row.Scan(&acct.ID, &acct.Name, &split, &yoursPct, &cpPct,
		&cachedCapital, &cachedBalance, &acct.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	acct.Split = ledger.BeneficiarySplit(split)
	if acct.YourSharePct, err = decimal.NewFromString(yoursPct); err != nil {
		return nil, err
	}
	if acct.CounterpartySharePct, err = decimal.NewFromString(cpPct); err != nil {
		return nil, err
	}
	if acct.CachedCapital, err = decimal.NewFromString(cachedCapital); err != nil {
		return nil, err
	}
	if acct.CachedBalance, err = decimal.NewFromString(cachedBalance); err != nil {
		return nil, err
	}
	return &acct, nil
}

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var (
		t                                 ledger.Transaction
		kind                              int32
		amount, capitalClosed, profitTaken string
		yourShare, cpShare                string
		settlementID                      sql.NullString
	)
	err := row.Scan(&t.ID, &t.AccountID, &t.Date, &kind,
		&amount, &capitalClosed, &profitTaken,
		&yourShare, &cpShare, &settlementID, &t.Note, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.Kind = ledger.Kind(kind)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("transaction %s amount: %w", t.ID, err)
	}
	if t.CapitalClosed, err = decimal.NewFromString(capitalClosed); err != nil {
		return nil, err
	}
	if t.ProfitTaken, err = decimal.NewFromString(profitTaken); err != nil {
		return nil, err
	}
	if t.YourShareAmount, err = decimal.NewFromString(yourShare); err != nil {
		return nil, err
	}
	if t.CounterpartyShareAmount, err = decimal.NewFromString(cpShare); err != nil {
		return nil, err
	}
	if settlementID.Valid {
		t.SettlementID = &settlementID.String
	}
	return &t, nil
}

// mapPQError converts driver errors into the store's sentinel errors.
func mapPQError(err error) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case pqLockNotAvailable:
			return ErrLockTimeout
		case pqUniqueViolation:
			switch pqErr.Constraint {
			case constraintSettlementID:
				return ErrDuplicateSettlementID
			case constraintActiveSnapshot:
				return ErrSnapshotActive
			}
		}
	}
	return err
}
