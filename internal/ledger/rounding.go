package ledger

import "github.com/shopspring/decimal"

// Money moves through two rounding domains. Share-space (client-facing
// payments and pending figures) rounds down to one decimal place so the
// broker never over-collects. Capital-space (internal ledger accounting)
// rounds half-up to two. All stored money fields carry two decimal places.

// MoneyPlaces is the precision of every stored money field.
const MoneyPlaces = 2

// SharePlaces is the coarser precision client-facing share amounts are
// floored to.
const SharePlaces = 1

// convPlaces is the intermediate precision for share/capital conversions
// before a policy round is applied.
const convPlaces = 8

var (
	// AutoCloseThreshold is the minimum unit below which a residual loss or
	// profit is forced to exactly zero via an explicit ledger entry.
	AutoCloseThreshold = decimal.New(1, -MoneyPlaces)

	// Tolerance bounds the drift permitted between a cached figure and its
	// recomputation from the ledger.
	Tolerance = decimal.New(1, -MoneyPlaces)

	hundred = decimal.NewFromInt(100)
)

// RoundShare applies the share-space policy: round down, one place.
func RoundShare(d decimal.Decimal) decimal.Decimal {
	return d.RoundDown(SharePlaces)
}

// RoundCapital applies the capital-space policy: round half-up, two places.
// Amounts here are never negative, so Round's half-away-from-zero is half-up.
func RoundCapital(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// CapitalToShare converts a capital-space amount into share space:
// amount × totalPct / 100. Exact — multiplication plus a decimal shift.
func CapitalToShare(amount, totalPct decimal.Decimal) decimal.Decimal {
	return amount.Mul(totalPct).Shift(-2)
}

// ShareToCapital converts a share-space payment into capital space:
// payment × 100 / totalPct, carried at conversion precision. The caller
// applies the capital-space round only after validation has passed.
func ShareToCapital(payment, totalPct decimal.Decimal) decimal.Decimal {
	return payment.Mul(hundred).DivRound(totalPct, convPlaces)
}

// WithinTolerance reports whether a and b differ by at most Tolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}
