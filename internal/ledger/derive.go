package ledger

import "github.com/shopspring/decimal"

// Derivation is pure: every figure is recomputed from the transaction log on
// each call. Cached values on the account are reconciled against these
// functions, never trusted.

// TotalFunding sums all funding entries.
func TotalFunding(txs []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, t := range txs {
		if t.Kind == KindFunding {
			total = total.Add(t.Amount)
		}
	}
	return total
}

// TotalCapitalClosed sums the capital extinguished by settlements and
// auto-close adjustments.
func TotalCapitalClosed(txs []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, t := range txs {
		if t.Kind == KindSettlement || t.Kind == KindAdjustment {
			total = total.Add(t.CapitalClosed)
		}
	}
	return total
}

// Capital derives the funds currently at risk:
// Σ(funding) − Σ(capital_closed). Never stored as a primary fact.
func Capital(txs []Transaction) decimal.Decimal {
	return TotalFunding(txs).Sub(TotalCapitalClosed(txs))
}

// CurrentBalance resolves the exchange balance.
//
// With an active snapshot (ref != nil) the balance is frozen at the
// reference value and moves only through post-freeze funding and profit
// withdrawals — trading is conceptually suspended while an episode is open.
// This freeze is what keeps a stale balance record from diverging against
// the frozen loss.
//
// With no active snapshot the most recent balance record serves as the
// reference and the same chain applies; with no record at all the balance
// is simply total funding.
func CurrentBalance(txs []Transaction, ref *BalanceReference) decimal.Decimal {
	if ref == nil {
		latest := latestBalanceRecord(txs)
		if latest == nil {
			return TotalFunding(txs)
		}
		ref = &BalanceReference{Date: latest.Date, Balance: latest.Amount}
	}

	balance := ref.Balance
	for _, t := range txs {
		switch t.Kind {
		case KindFunding:
			if t.Date.After(ref.Date) {
				balance = balance.Add(t.Amount)
			}
		case KindSettlement, KindAdjustment:
			if !t.Date.Before(ref.Date) {
				balance = balance.Sub(t.ProfitTaken)
			}
		}
	}
	return balance
}

func latestBalanceRecord(txs []Transaction) *Transaction {
	var latest *Transaction
	for i := range txs {
		t := &txs[i]
		if t.Kind != KindBalanceRecord {
			continue
		}
		if latest == nil || t.Date.After(latest.Date) ||
			(t.Date.Equal(latest.Date) && t.CreatedAt.After(latest.CreatedAt)) {
			latest = t
		}
	}
	return latest
}
