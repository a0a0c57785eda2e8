// Package store defines persistence for the settlement engine. PostgreSQL is
// the source of truth; the in-memory implementation backs tests and
// development. Both enforce the two constraints the engine's invariants
// depend on under concurrency: a unique settlement id per transaction and at
// most one active snapshot per account.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"BrokerLedger/internal/ledger"
	"BrokerLedger/internal/state"
)

var (
	// ErrNotFound is returned when an account or row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateSettlementID is the unique-index violation on
	// transactions.settlement_id.
	ErrDuplicateSettlementID = errors.New("store: duplicate settlement id")

	// ErrSnapshotActive is the partial-unique-index violation on
	// snapshots(account_id) WHERE NOT is_settled.
	ErrSnapshotActive = errors.New("store: account already has an active snapshot")

	// ErrLockTimeout is returned when the account row lock could not be
	// acquired in time. Retryable.
	ErrLockTimeout = errors.New("store: account lock wait timed out")
)

// Store is the persistence interface.
type Store interface {
	CreateAccount(ctx context.Context, acct *ledger.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*ledger.Account, error)
	ListAccounts(ctx context.Context) ([]ledger.Account, error)

	// Transactions returns the full append-only log for an account,
	// ordered by date then insertion.
	Transactions(ctx context.Context, accountID uuid.UUID) ([]ledger.Transaction, error)

	// ActiveSnapshot returns the single unsettled snapshot, or nil.
	ActiveSnapshot(ctx context.Context, accountID uuid.UUID) (*state.Snapshot, error)

	// Atomic runs fn as one all-or-nothing unit of work holding the
	// exclusive account lock. Either every write inside fn becomes visible
	// or none do. Lock-wait expiry surfaces as ErrLockTimeout.
	Atomic(ctx context.Context, accountID uuid.UUID, fn func(AccountTx) error) error
}

// AccountTx is the unit of work over one locked account aggregate. Reads
// observe writes made earlier in the same unit (read-your-writes).
type AccountTx interface {
	Account() *ledger.Account

	Transactions() ([]ledger.Transaction, error)
	TransactionBySettlementID(settlementID string) (*ledger.Transaction, error)
	AppendTransaction(t *ledger.Transaction) error

	ActiveSnapshot() (*state.Snapshot, error)
	ActiveSnapshotCount() (int, error)

	// LatestSettledSnapshot returns the most recently settled snapshot of
	// the given direction, or nil. Needed to recognize a replay of the
	// final settlement after its episode closed.
	LatestSettledSnapshot(dir state.Direction) (*state.Snapshot, error)

	InsertSnapshot(s *state.Snapshot) error
	MarkSnapshotSettled(id uuid.UUID) error

	UpdateAccountCaches(capital, balance decimal.Decimal) error
}
