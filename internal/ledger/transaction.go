package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind represents the purpose of a ledger entry
type Kind int32

const (
	KindFunding Kind = iota
	KindSettlement
	KindBalanceRecord
	KindAdjustment
)

func (k Kind) String() string {
	switch k {
	case KindFunding:
		return "funding"
	case KindSettlement:
		return "settlement"
	case KindBalanceRecord:
		return "balance_record"
	case KindAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// BalanceReference pins a snapshot to the balance observed at freeze time.
type BalanceReference struct {
	Date    time.Time
	Balance decimal.Decimal
}

// Transaction is a single immutable ledger entry. Once appended it is never
// updated or deleted; every derived figure (capital, balance, remaining loss)
// must be reproducible from the transaction log alone.
type Transaction struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Date      time.Time
	Kind      Kind

	// Amount is the money moved by this entry: funded capital, recorded
	// balance, or the share-space payment of a settlement.
	Amount decimal.Decimal

	// CapitalClosed is the capital-space amount a settlement extinguishes.
	// Zero for every kind except Settlement/Adjustment in a loss episode.
	CapitalClosed decimal.Decimal

	// ProfitTaken is the profit-space amount a withdrawal extinguishes.
	// Zero for every kind except Settlement/Adjustment in a profit episode.
	ProfitTaken decimal.Decimal

	YourShareAmount         decimal.Decimal
	CounterpartyShareAmount decimal.Decimal

	// SettlementID is the deterministic idempotency key. Present only for
	// Settlement entries; backed by a unique index in the store.
	SettlementID *string

	Note      string
	CreatedAt time.Time
}

// Validate checks the entry is well-formed before it is appended.
func (t *Transaction) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("transaction has nil id")
	}
	if t.AccountID == uuid.Nil {
		return fmt.Errorf("transaction %s has nil account id", t.ID)
	}
	if t.Date.IsZero() {
		return fmt.Errorf("transaction %s has zero date", t.ID)
	}

	switch t.Kind {
	case KindFunding, KindBalanceRecord:
		if !t.Amount.IsPositive() {
			return fmt.Errorf("%s %s has non-positive amount: %s", t.Kind, t.ID, t.Amount)
		}
		if t.SettlementID != nil {
			return fmt.Errorf("%s %s carries a settlement id", t.Kind, t.ID)
		}
	case KindSettlement:
		if t.Amount.IsNegative() {
			return fmt.Errorf("settlement %s has negative amount: %s", t.ID, t.Amount)
		}
		if t.SettlementID == nil || *t.SettlementID == "" {
			return fmt.Errorf("settlement %s has no settlement id", t.ID)
		}
	case KindAdjustment:
		// Adjustments record auto-closed residuals; the amount is zero and
		// the closed residual rides on CapitalClosed/ProfitTaken.
		if !t.Amount.IsZero() {
			return fmt.Errorf("adjustment %s has non-zero amount: %s", t.ID, t.Amount)
		}
	default:
		return fmt.Errorf("transaction %s has unknown kind %d", t.ID, t.Kind)
	}

	if t.CapitalClosed.IsNegative() {
		return fmt.Errorf("transaction %s has negative capital_closed: %s", t.ID, t.CapitalClosed)
	}
	if t.ProfitTaken.IsNegative() {
		return fmt.Errorf("transaction %s has negative profit_taken: %s", t.ID, t.ProfitTaken)
	}
	if t.CapitalClosed.IsPositive() && t.ProfitTaken.IsPositive() {
		return fmt.Errorf("transaction %s closes both capital and profit", t.ID)
	}

	return nil
}
