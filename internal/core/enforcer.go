package core

import (
	"github.com/shopspring/decimal"

	"BrokerLedger/internal/ledger"
	"BrokerLedger/internal/state"
)

// InvariantEnforcer re-derives the account's figures from the transaction
// log and asserts every consistency rule. It runs inside the same unit of
// work as the mutation, after all writes and before commit; any failure
// aborts the unit so no partial state is ever visible.
type InvariantEnforcer struct{}

func NewInvariantEnforcer() *InvariantEnforcer {
	return &InvariantEnforcer{}
}

// Check validates the post-write state of one account. active is the
// still-open snapshot after the mutation (nil when none), activeCount the
// number of unsettled snapshot rows, and cachedCapital/cachedBalance the
// cache values just written.
func (e *InvariantEnforcer) Check(
	txs []ledger.Transaction,
	active *state.Snapshot,
	activeCount int,
	cachedCapital, cachedBalance decimal.Decimal,
) error {
	totalFunding := ledger.TotalFunding(txs)
	totalClosed := ledger.TotalCapitalClosed(txs)
	capital := totalFunding.Sub(totalClosed)

	// Capital never goes negative: the log cannot close more than it funded.
	if totalClosed.GreaterThan(totalFunding) {
		return violation("capital_non_negative",
			"closed %s exceeds funded %s", totalClosed, totalFunding)
	}

	// At most one open episode per account.
	if activeCount > 1 {
		return violation("single_active_snapshot",
			"%d active snapshots", activeCount)
	}

	// Cache reconciliation: stored figures must match re-derivation.
	if !ledger.WithinTolerance(cachedCapital, capital) {
		return violation("capital_cache",
			"cached %s, derived %s", cachedCapital, capital)
	}

	var ref *ledger.BalanceReference
	if active != nil {
		ref = &active.Reference
	}
	balance := ledger.CurrentBalance(txs, ref)
	if !ledger.WithinTolerance(cachedBalance, balance) {
		return violation("balance_cache",
			"cached %s, derived %s", cachedBalance, balance)
	}

	if active != nil {
		if err := e.checkActive(txs, active, capital, balance); err != nil {
			return err
		}
	}

	return e.checkShareSums(txs, active)
}

func (e *InvariantEnforcer) checkActive(
	txs []ledger.Transaction,
	active *state.Snapshot,
	capital, balance decimal.Decimal,
) error {
	remaining := active.Remaining(txs)
	if remaining.IsNegative() {
		return violation("remaining_non_negative",
			"snapshot %s remaining %s", active.ID, remaining)
	}

	switch active.Direction {
	case state.DirectionLoss:
		// An open loss means capital still sits above the frozen balance.
		if capital.LessThan(balance) {
			return violation("loss_direction",
				"capital %s below balance %s with open loss", capital, balance)
		}
		expected := decimal.Max(capital.Sub(balance), decimal.Zero)
		if !ledger.WithinTolerance(remaining, expected) {
			return violation("remaining_formula",
				"remaining %s, capital−balance %s", remaining, expected)
		}
	case state.DirectionProfit:
		if balance.LessThan(capital) {
			return violation("profit_direction",
				"balance %s below capital %s with open profit", balance, capital)
		}
		expected := decimal.Max(balance.Sub(capital), decimal.Zero)
		if !ledger.WithinTolerance(remaining, expected) {
			return violation("remaining_formula",
				"remaining %s, balance−capital %s", remaining, expected)
		}
	}
	return nil
}

// checkShareSums verifies settlement allocations never leak. Structurally,
// each settlement's shares are non-negative and never exceed the amount it
// closed. For entries priced under the currently open snapshot the frozen
// percentages are known, so the sum is also checked against the share-space
// payable exactly.
func (e *InvariantEnforcer) checkShareSums(txs []ledger.Transaction, active *state.Snapshot) error {
	for _, t := range txs {
		if t.Kind != ledger.KindSettlement && t.Kind != ledger.KindAdjustment {
			continue
		}

		shareSum := t.YourShareAmount.Add(t.CounterpartyShareAmount)
		if shareSum.IsNegative() {
			return violation("share_sum", "transaction %s shares sum to %s", t.ID, shareSum)
		}
		closed := t.CapitalClosed.Add(t.ProfitTaken)
		if shareSum.GreaterThan(closed) {
			return violation("share_sum",
				"transaction %s shares %s exceed closed %s", t.ID, shareSum, closed)
		}

		if active != nil && !t.Date.Before(active.Reference.Date) {
			payable := ledger.RoundShare(ledger.CapitalToShare(closed, active.TotalSharePct()))
			if !ledger.WithinTolerance(shareSum, payable) {
				return violation("share_sum",
					"transaction %s shares %s, payable %s", t.ID, shareSum, payable)
			}
		}
	}
	return nil
}
