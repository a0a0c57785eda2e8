// Package query serves read-only projections of the ledger. Everything is
// re-derived from the transaction log on each call; the account caches are
// never trusted for reads.
package query

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"BrokerLedger/internal/ledger"
	"BrokerLedger/internal/state"
	"BrokerLedger/internal/store"
)

// AccountView is the dashboard projection of one account.
type AccountView struct {
	AccountID      uuid.UUID          `json:"account_id"`
	Name           string             `json:"name"`
	State          string             `json:"state"`
	Capital        decimal.Decimal    `json:"capital"`
	CurrentBalance decimal.Decimal    `json:"current_balance"`
	Loss           decimal.Decimal    `json:"loss"`
	Profit         decimal.Decimal    `json:"profit"`
	Remaining      decimal.Decimal    `json:"remaining"`
	Pending        decimal.Decimal    `json:"pending"`
	SnapshotID     *uuid.UUID         `json:"snapshot_id,omitempty"`
	AsOf           time.Time          `json:"as_of"`
}

// Service answers read queries against the store.
type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// AccountState derives the full projection for one account.
func (s *Service) AccountState(ctx context.Context, accountID uuid.UUID) (*AccountView, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	txs, err := s.store.Transactions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	active, err := s.store.ActiveSnapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}

	capital := ledger.Capital(txs)

	var ref *ledger.BalanceReference
	if active != nil {
		ref = &active.Reference
	}
	balance := ledger.CurrentBalance(txs, ref)

	view := &AccountView{
		AccountID:      acct.ID,
		Name:           acct.Name,
		Capital:        capital,
		CurrentBalance: balance,
		Loss:           decimal.Zero,
		Profit:         decimal.Zero,
		Remaining:      decimal.Zero,
		Pending:        decimal.Zero,
		AsOf:           time.Now().UTC(),
	}

	if active == nil {
		cls := state.Classify(capital, balance, ledger.AutoCloseThreshold)
		view.State = cls.State.String()
		view.Loss = cls.Loss
		view.Profit = cls.Profit
		return view, nil
	}

	remaining := active.Remaining(txs)
	view.Remaining = remaining
	view.Pending = ledger.RoundShare(ledger.CapitalToShare(remaining, active.TotalSharePct()))
	view.SnapshotID = &active.ID

	switch active.Direction {
	case state.DirectionLoss:
		view.State = state.StateLoss.String()
		view.Loss = remaining
	case state.DirectionProfit:
		view.State = state.StateProfit.String()
		view.Profit = remaining
	}
	return view, nil
}

// Transactions lists the append-only log for an account in ledger order.
func (s *Service) Transactions(ctx context.Context, accountID uuid.UUID) ([]ledger.Transaction, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.Transactions(ctx, accountID)
}

// Accounts lists every account aggregate.
func (s *Service) Accounts(ctx context.Context) ([]ledger.Account, error) {
	return s.store.ListAccounts(ctx)
}
