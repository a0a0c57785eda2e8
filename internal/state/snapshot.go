package state

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"BrokerLedger/internal/ledger"
)

// Direction tags which side of neutral an episode sits on.
type Direction int32

const (
	DirectionLoss Direction = iota
	DirectionProfit
)

func (d Direction) String() string {
	switch d {
	case DirectionLoss:
		return "loss"
	case DirectionProfit:
		return "profit"
	default:
		return "unknown"
	}
}

// Snapshot is the frozen record of a loss or profit episode. The original
// amount, balance reference and share percentages are fixed at creation;
// only IsSettled ever changes. The remaining amount is always derived from
// the ledger, never stored.
type Snapshot struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Direction Direction

	Reference ledger.BalanceReference

	// Amount is the original episode size. Immutable.
	Amount decimal.Decimal

	// Share percentages frozen from the account defaults at creation.
	// Settlements always price against these, never the live defaults.
	YourSharePct         decimal.Decimal
	CounterpartySharePct decimal.Decimal

	IsSettled bool
	CreatedAt time.Time
}

// NewSnapshot freezes an episode from the account's current defaults.
func NewSnapshot(acct *ledger.Account, dir Direction, ref ledger.BalanceReference, amount decimal.Decimal, now time.Time) *Snapshot {
	yours, counterparty := acct.EffectiveShares()
	return &Snapshot{
		ID:                   uuid.New(),
		AccountID:            acct.ID,
		Direction:            dir,
		Reference:            ref,
		Amount:               amount,
		YourSharePct:         yours,
		CounterpartySharePct: counterparty,
		CreatedAt:            now,
	}
}

// TotalSharePct is the combined percentage both beneficiaries collect.
func (s *Snapshot) TotalSharePct() decimal.Decimal {
	return s.YourSharePct.Add(s.CounterpartySharePct)
}

// Remaining derives the unsettled portion of the episode from the ledger:
// the original amount minus everything closed since the freeze date.
func (s *Snapshot) Remaining(txs []ledger.Transaction) decimal.Decimal {
	remaining := s.Amount
	for _, t := range txs {
		if t.Kind != ledger.KindSettlement && t.Kind != ledger.KindAdjustment {
			continue
		}
		if t.Date.Before(s.Reference.Date) {
			continue
		}
		switch s.Direction {
		case DirectionLoss:
			remaining = remaining.Sub(t.CapitalClosed)
		case DirectionProfit:
			remaining = remaining.Sub(t.ProfitTaken)
		}
	}
	return remaining
}
