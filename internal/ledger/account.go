package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BeneficiarySplit tags how settlement money is divided. Resolved once when a
// snapshot is created, never re-interpreted at settlement time.
type BeneficiarySplit int32

const (
	// SplitSingle: a personal client — the whole share belongs to you.
	SplitSingle BeneficiarySplit = iota
	// SplitDual: a company client — the share is divided between you and
	// the counterparty at the account's percentages.
	SplitDual
)

func (s BeneficiarySplit) String() string {
	switch s {
	case SplitSingle:
		return "single"
	case SplitDual:
		return "dual"
	default:
		return "unknown"
	}
}

// Account is the aggregate owning one client-exchange ledger. The cached
// figures are performance caches only; the transaction log is the source of
// truth and the caches are reconciled against it on every mutation.
type Account struct {
	ID   uuid.UUID
	Name string

	Split BeneficiarySplit

	// Default share percentages. Used only when a new snapshot is created;
	// active snapshots carry their own frozen copies.
	YourSharePct         decimal.Decimal
	CounterpartySharePct decimal.Decimal

	CachedCapital decimal.Decimal
	CachedBalance decimal.Decimal

	CreatedAt time.Time
}

// EffectiveShares resolves the percentages a new snapshot freezes.
func (a *Account) EffectiveShares() (yours, counterparty decimal.Decimal) {
	if a.Split == SplitSingle {
		return a.YourSharePct, decimal.Zero
	}
	return a.YourSharePct, a.CounterpartySharePct
}

// Validate checks the account defaults are usable.
func (a *Account) Validate() error {
	if a.ID == uuid.Nil {
		return fmt.Errorf("account has nil id")
	}
	if a.Name == "" {
		return fmt.Errorf("account %s has empty name", a.ID)
	}
	if !a.YourSharePct.IsPositive() {
		return fmt.Errorf("account %s has non-positive your_share_pct: %s", a.ID, a.YourSharePct)
	}
	if a.CounterpartySharePct.IsNegative() {
		return fmt.Errorf("account %s has negative counterparty_share_pct: %s", a.ID, a.CounterpartySharePct)
	}
	total := a.YourSharePct.Add(a.CounterpartySharePct)
	if total.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("account %s share percentages exceed 100: %s", a.ID, total)
	}
	return nil
}
