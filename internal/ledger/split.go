package ledger

import "github.com/shopspring/decimal"

// Split allocates a capital-space total between two beneficiaries in share
// space. The payable total is rounded down once and only the first side is
// rounded independently; the second side takes the remainder, so
// yours + counterparty == payable exactly. Rounding both sides independently
// leaks money — the sum falls short of the payable total.
func Split(total, pctYours, pctCounterparty decimal.Decimal) (yours, counterparty decimal.Decimal) {
	payable := RoundShare(CapitalToShare(total, pctYours.Add(pctCounterparty)))
	yours = RoundShare(CapitalToShare(total, pctYours))
	counterparty = payable.Sub(yours)
	return yours, counterparty
}
