package state

import "github.com/shopspring/decimal"

// AccountState is the classification of an account at a point in time.
type AccountState int32

const (
	StateNeutral AccountState = iota
	StateLoss
	StateProfit
)

func (s AccountState) String() string {
	switch s {
	case StateNeutral:
		return "neutral"
	case StateLoss:
		return "loss"
	case StateProfit:
		return "profit"
	default:
		return "unknown"
	}
}

// CanTransitionTo validates state transitions. An account never moves
// directly between loss and profit; it must settle through neutral first.
func (s AccountState) CanTransitionTo(next AccountState) bool {
	validTransitions := map[AccountState][]AccountState{
		StateNeutral: {StateLoss, StateProfit},
		StateLoss:    {StateLoss, StateNeutral},
		StateProfit:  {StateProfit, StateNeutral},
	}
	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Classification is the result of resolving capital against balance.
// Loss and profit are mutually exclusive: exactly one is non-zero outside
// neutral.
type Classification struct {
	State  AccountState
	Loss   decimal.Decimal
	Profit decimal.Decimal
}

// Classify resolves loss = max(capital−balance, 0) and
// profit = max(balance−capital, 0). Residuals below the auto-close threshold
// classify as neutral; closing them to an exact zero is the caller's job and
// must happen through an explicit ledger entry, never a silent flip.
func Classify(capital, balance, threshold decimal.Decimal) Classification {
	diff := capital.Sub(balance)

	switch {
	case diff.GreaterThanOrEqual(threshold):
		return Classification{State: StateLoss, Loss: diff, Profit: decimal.Zero}
	case diff.Neg().GreaterThanOrEqual(threshold):
		return Classification{State: StateProfit, Loss: decimal.Zero, Profit: diff.Neg()}
	default:
		return Classification{State: StateNeutral, Loss: decimal.Zero, Profit: decimal.Zero}
	}
}

// Residual returns the sub-threshold difference still to be closed when the
// classification is neutral but capital and balance are not exactly equal.
func Residual(capital, balance decimal.Decimal) decimal.Decimal {
	return capital.Sub(balance)
}
