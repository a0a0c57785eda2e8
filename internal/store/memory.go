package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"BrokerLedger/internal/ledger"
	"BrokerLedger/internal/state"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Writes inside Atomic are staged and only become visible on
// commit, mirroring the all-or-nothing unit the Postgres store provides.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*ledger.Account
	txs      map[uuid.UUID][]ledger.Transaction
	snaps    map[uuid.UUID][]*state.Snapshot

	lockMu   sync.Mutex
	locks    map[uuid.UUID]chan struct{}
	lockWait time.Duration
}

// NewMemoryStore creates a new in-memory store. lockWait bounds how long
// Atomic blocks on a contended account before ErrLockTimeout.
func NewMemoryStore(lockWait time.Duration) *MemoryStore {
	return &MemoryStore{
		accounts: make(map[uuid.UUID]*ledger.Account),
		txs:      make(map[uuid.UUID][]ledger.Transaction),
		snaps:    make(map[uuid.UUID][]*state.Snapshot),
		locks:    make(map[uuid.UUID]chan struct{}),
		lockWait: lockWait,
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *ledger.Account) error {
	if err := acct.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[acct.ID]; exists {
		return fmt.Errorf("account %s already exists", acct.ID)
	}
	cp := *acct
	s.accounts[acct.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id uuid.UUID) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]ledger.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	return accounts, nil
}

func (s *MemoryStore) Transactions(_ context.Context, accountID uuid.UUID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedCopy(s.txs[accountID]), nil
}

func (s *MemoryStore) ActiveSnapshot(_ context.Context, accountID uuid.UUID) (*state.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, snap := range s.snaps[accountID] {
		if !snap.IsSettled {
			cp := *snap
			return &cp, nil
		}
	}
	return nil, nil
}

// Atomic serializes units of work per account. Concurrent attempts on the
// same account block; a wait longer than lockWait surfaces as ErrLockTimeout.
func (s *MemoryStore) Atomic(ctx context.Context, accountID uuid.UUID, fn func(AccountTx) error) error {
	release, err := s.acquire(ctx, accountID)
	if err != nil {
		return err
	}
	defer release()

	s.mu.RLock()
	acct, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	tx := &memoryTx{store: s, account: *acct}
	if err := fn(tx); err != nil {
		return err // staged writes discarded
	}

	tx.commit()
	return nil
}

func (s *MemoryStore) acquire(ctx context.Context, accountID uuid.UUID) (func(), error) {
	s.lockMu.Lock()
	lock, ok := s.locks[accountID]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[accountID] = lock
	}
	s.lockMu.Unlock()

	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// memoryTx stages writes against a locked account until commit.
type memoryTx struct {
	store   *MemoryStore
	account ledger.Account

	appended      []ledger.Transaction
	inserted      []*state.Snapshot
	settled       map[uuid.UUID]bool
	cachesUpdated bool
}

func (tx *memoryTx) Account() *ledger.Account {
	cp := tx.account
	return &cp
}

func (tx *memoryTx) Transactions() ([]ledger.Transaction, error) {
	tx.store.mu.RLock()
	committed := tx.store.txs[tx.account.ID]
	merged := make([]ledger.Transaction, 0, len(committed)+len(tx.appended))
	merged = append(merged, committed...)
	tx.store.mu.RUnlock()

	merged = append(merged, tx.appended...)
	return sortedCopy(merged), nil
}

func (tx *memoryTx) TransactionBySettlementID(settlementID string) (*ledger.Transaction, error) {
	txs, err := tx.Transactions()
	if err != nil {
		return nil, err
	}
	for i := range txs {
		if txs[i].SettlementID != nil && *txs[i].SettlementID == settlementID {
			cp := txs[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) AppendTransaction(t *ledger.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.SettlementID != nil {
		prior, err := tx.TransactionBySettlementID(*t.SettlementID)
		if err != nil {
			return err
		}
		if prior != nil {
			return ErrDuplicateSettlementID
		}
	}
	tx.appended = append(tx.appended, *t)
	return nil
}

func (tx *memoryTx) ActiveSnapshot() (*state.Snapshot, error) {
	for _, snap := range tx.inserted {
		if !snap.IsSettled && !tx.isStagedSettled(snap.ID) {
			cp := *snap
			return &cp, nil
		}
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	for _, snap := range tx.store.snaps[tx.account.ID] {
		if !snap.IsSettled && !tx.isStagedSettled(snap.ID) {
			cp := *snap
			return &cp, nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) ActiveSnapshotCount() (int, error) {
	count := 0
	for _, snap := range tx.inserted {
		if !snap.IsSettled && !tx.isStagedSettled(snap.ID) {
			count++
		}
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	for _, snap := range tx.store.snaps[tx.account.ID] {
		if !snap.IsSettled && !tx.isStagedSettled(snap.ID) {
			count++
		}
	}
	return count, nil
}

func (tx *memoryTx) LatestSettledSnapshot(dir state.Direction) (*state.Snapshot, error) {
	var latest *state.Snapshot

	consider := func(snap *state.Snapshot) {
		if snap.Direction != dir {
			return
		}
		if !snap.IsSettled && !tx.isStagedSettled(snap.ID) {
			return
		}
		if latest == nil || snap.CreatedAt.After(latest.CreatedAt) {
			cp := *snap
			cp.IsSettled = true
			latest = &cp
		}
	}

	for _, snap := range tx.inserted {
		consider(snap)
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	for _, snap := range tx.store.snaps[tx.account.ID] {
		consider(snap)
	}
	return latest, nil
}

func (tx *memoryTx) InsertSnapshot(s *state.Snapshot) error {
	active, err := tx.ActiveSnapshot()
	if err != nil {
		return err
	}
	if active != nil {
		return ErrSnapshotActive
	}
	cp := *s
	tx.inserted = append(tx.inserted, &cp)
	return nil
}

func (tx *memoryTx) MarkSnapshotSettled(id uuid.UUID) error {
	if tx.settled == nil {
		tx.settled = make(map[uuid.UUID]bool)
	}
	tx.settled[id] = true
	return nil
}

func (tx *memoryTx) UpdateAccountCaches(capital, balance decimal.Decimal) error {
	tx.account.CachedCapital = capital
	tx.account.CachedBalance = balance
	tx.cachesUpdated = true
	return nil
}

func (tx *memoryTx) isStagedSettled(id uuid.UUID) bool {
	return tx.settled[id]
}

func (tx *memoryTx) commit() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	id := tx.account.ID
	tx.store.txs[id] = append(tx.store.txs[id], tx.appended...)
	tx.store.snaps[id] = append(tx.store.snaps[id], tx.inserted...)
	for _, snap := range tx.store.snaps[id] {
		if tx.settled[snap.ID] {
			snap.IsSettled = true
		}
	}
	if tx.cachesUpdated {
		acct := tx.store.accounts[id]
		acct.CachedCapital = tx.account.CachedCapital
		acct.CachedBalance = tx.account.CachedBalance
	}
}

func sortedCopy(txs []ledger.Transaction) []ledger.Transaction {
	out := make([]ledger.Transaction, len(txs))
	copy(out, txs)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
