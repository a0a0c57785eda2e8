package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"BrokerLedger/internal/ledger"
	"BrokerLedger/internal/lock"
	"BrokerLedger/internal/observability"
	"BrokerLedger/internal/state"
	"BrokerLedger/internal/store"
)

// Engine is the settlement processor: the sole mutating entry point into an
// account's ledger. Every operation runs under the account's exclusive lock
// inside one all-or-nothing unit of work, with the invariant enforcer as the
// last gate before commit.
type Engine struct {
	store    store.Store
	locker   lock.AccountLocker
	enforcer *InvariantEnforcer
	recent   *OutcomeCache
	metrics  *observability.Metrics
	log      zerolog.Logger

	lockWait time.Duration
	events   chan<- Event
}

// Event is the outbound record of a committed mutation, consumed by the
// publisher after commit.
type Event struct {
	Kind          string          `json:"kind"`
	AccountID     uuid.UUID       `json:"account_id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	CapitalClosed decimal.Decimal `json:"capital_closed"`
	ProfitTaken   decimal.Decimal `json:"profit_taken"`
	SettlementID  string          `json:"settlement_id,omitempty"`
	State         string          `json:"state"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// SettlementOutcome is what the caller gets back from Settle or Withdraw.
// Duplicate marks an idempotent replay: the figures are the previously
// committed ones, unchanged.
type SettlementOutcome struct {
	SettlementID      string          `json:"settlement_id"`
	CapitalClosed     decimal.Decimal `json:"capital_closed"`
	Remaining         decimal.Decimal `json:"remaining"`
	PendingNew        decimal.Decimal `json:"pending_new"`
	YourShare         decimal.Decimal `json:"your_share"`
	CounterpartyShare decimal.Decimal `json:"counterparty_share"`
	Settled           bool            `json:"settled"`
	Duplicate         bool            `json:"duplicate"`
}

// BalanceOutcome reports what a new balance record did to the account.
type BalanceOutcome struct {
	State      state.AccountState `json:"-"`
	StateName  string             `json:"state"`
	Loss       decimal.Decimal    `json:"loss"`
	Profit     decimal.Decimal    `json:"profit"`
	SnapshotID *uuid.UUID         `json:"snapshot_id,omitempty"`
}

// Options tunes the engine.
type Options struct {
	LockWait         time.Duration
	OutcomeCacheSize int
	Events           chan<- Event
}

func NewEngine(st store.Store, locker lock.AccountLocker, metrics *observability.Metrics, opts Options) *Engine {
	if opts.LockWait <= 0 {
		opts.LockWait = 5 * time.Second
	}
	if opts.OutcomeCacheSize <= 0 {
		opts.OutcomeCacheSize = 10_000
	}
	return &Engine{
		store:    st,
		locker:   locker,
		enforcer: NewInvariantEnforcer(),
		recent:   NewOutcomeCache(opts.OutcomeCacheSize),
		metrics:  metrics,
		log:      observability.NewLogger("engine"),
		lockWait: opts.LockWait,
		events:   opts.Events,
	}
}

// CreateAccount registers a new account aggregate.
func (e *Engine) CreateAccount(ctx context.Context, name string, split ledger.BeneficiarySplit, yourPct, counterpartyPct decimal.Decimal) (*ledger.Account, error) {
	acct := &ledger.Account{
		ID:                   uuid.New(),
		Name:                 name,
		Split:                split,
		YourSharePct:         yourPct,
		CounterpartySharePct: counterpartyPct,
		CachedCapital:        decimal.Zero,
		CachedBalance:        decimal.Zero,
		CreatedAt:            time.Now().UTC(),
	}
	if err := acct.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	e.log.Info().Str("account_id", acct.ID.String()).Str("name", name).Msg("account created")
	return acct, nil
}

// Settle applies one payment against the active loss episode. Replays with
// identical inputs return the original outcome with Duplicate set.
func (e *Engine) Settle(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, date time.Time, note string) (SettlementOutcome, error) {
	start := time.Now()

	var (
		outcome SettlementOutcome
		ev      *Event
	)
	err := e.withAccount(ctx, accountID, func(tx store.AccountTx) error {
		var err error
		outcome, ev, err = e.settleLocked(tx, state.DirectionLoss, amount, date, note)
		return err
	})
	if err != nil {
		e.countRejected("settlement", err)
		return SettlementOutcome{}, err
	}

	e.committedSettlement("settlement", state.DirectionLoss, outcome, ev)
	e.metrics.SettlementDuration.WithLabelValues("settlement").Observe(time.Since(start).Seconds())
	return outcome, nil
}

// Withdraw applies one payout against the active profit episode. The mirror
// image of Settle: the payment reduces the frozen balance instead of
// capital.
func (e *Engine) Withdraw(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, date time.Time, note string) (SettlementOutcome, error) {
	start := time.Now()

	var (
		outcome SettlementOutcome
		ev      *Event
	)
	err := e.withAccount(ctx, accountID, func(tx store.AccountTx) error {
		var err error
		outcome, ev, err = e.settleLocked(tx, state.DirectionProfit, amount, date, note)
		return err
	})
	if err != nil {
		e.countRejected("withdrawal", err)
		return SettlementOutcome{}, err
	}

	e.committedSettlement("withdrawal", state.DirectionProfit, outcome, ev)
	e.metrics.SettlementDuration.WithLabelValues("withdrawal").Observe(time.Since(start).Seconds())
	return outcome, nil
}

// committedSettlement runs the post-commit side effects of a settlement:
// outcome caching, counters, and the outbound event. Nothing here may fire
// before the unit of work has committed, or a rolled-back write would leak
// to consumers.
func (e *Engine) committedSettlement(kind string, direction state.Direction, outcome SettlementOutcome, ev *Event) {
	if outcome.Duplicate {
		return
	}
	e.recent.Add(outcome.SettlementID, outcome)
	e.metrics.SettlementsApplied.WithLabelValues(kind).Inc()
	if outcome.Settled {
		e.metrics.SnapshotsClosed.WithLabelValues(direction.String(), "settled").Inc()
	}
	if ev != nil {
		e.emit(*ev)
	}
}

// settleLocked is the settlement algorithm proper, running with the account
// lock held. direction selects which episode kind the payment closes. The
// returned event is nil for duplicate replays; the caller publishes it only
// after the unit of work has committed.
func (e *Engine) settleLocked(tx store.AccountTx, direction state.Direction, amount decimal.Decimal, date time.Time, note string) (SettlementOutcome, *Event, error) {
	acct := tx.Account()

	active, err := tx.ActiveSnapshot()
	if err != nil {
		return SettlementOutcome{}, nil, err
	}
	if active == nil || active.Direction != direction {
		// A retry of the final payment arrives after its episode already
		// settled. Check the closed episode before rejecting, or the
		// crash-retry case loses its idempotency guarantee.
		if prior, ok, err := e.replayAgainstSettled(tx, direction, amount); err != nil {
			return SettlementOutcome{}, nil, err
		} else if ok {
			return prior, nil, nil
		}
		if direction == state.DirectionProfit {
			return SettlementOutcome{}, nil, ErrNoActiveProfit
		}
		return SettlementOutcome{}, nil, ErrNoActiveLoss
	}

	// Deterministic id first: a replay must short-circuit before any
	// validation can observe post-commit state.
	settlementID := SettlementID(acct.ID, active.Reference, amount, active.ID)

	if prior, ok := e.recent.Get(settlementID); ok {
		e.metrics.SettlementDuplicates.WithLabelValues("cache").Inc()
		prior.Duplicate = true
		return prior, nil, nil
	}
	if prior, err := tx.TransactionBySettlementID(settlementID); err != nil {
		return SettlementOutcome{}, nil, err
	} else if prior != nil {
		e.metrics.SettlementDuplicates.WithLabelValues("store").Inc()
		out, err := e.replayOutcome(tx, active, prior)
		return out, nil, err
	}

	if !amount.IsPositive() {
		return SettlementOutcome{}, nil, fmt.Errorf("%w: %s", ErrInvalidPayment, amount)
	}

	txs, err := tx.Transactions()
	if err != nil {
		return SettlementOutcome{}, nil, err
	}
	remaining := active.Remaining(txs)

	// Validate in share space against the frozen percentages. Live account
	// defaults never price an open episode.
	totalPct := active.TotalSharePct()
	pendingRaw := ledger.CapitalToShare(remaining, totalPct)
	if amount.GreaterThan(pendingRaw) {
		return SettlementOutcome{}, nil, fmt.Errorf("%w: %s exceeds pending %s",
			ErrInvalidPayment, amount, pendingRaw)
	}

	closedRaw := ledger.ShareToCapital(amount, totalPct)
	if closedRaw.GreaterThan(remaining) {
		return SettlementOutcome{}, nil, fmt.Errorf("%w: %s exceeds remaining %s",
			ErrCapitalExceeded, closedRaw, remaining)
	}

	// Round only after validation has passed; the validated raw value is
	// never mutated afterward.
	closed := ledger.RoundCapital(closedRaw)
	newRemaining := remaining.Sub(closed)
	if newRemaining.IsNegative() {
		return SettlementOutcome{}, nil, fmt.Errorf("%w: closing %s of remaining %s",
			ErrCapitalExceeded, closed, remaining)
	}

	settled := false
	if newRemaining.LessThan(ledger.AutoCloseThreshold) {
		// Sub-threshold residual is absorbed into this settlement so the
		// episode closes at exactly zero.
		closed = closed.Add(newRemaining)
		newRemaining = decimal.Zero
		settled = true
	}

	yours, counterparty := ledger.Split(closed, active.YourSharePct, active.CounterpartySharePct)

	entry := &ledger.Transaction{
		ID:                      uuid.New(),
		AccountID:               acct.ID,
		Date:                    date,
		Kind:                    ledger.KindSettlement,
		Amount:                  amount,
		YourShareAmount:         yours,
		CounterpartyShareAmount: counterparty,
		SettlementID:            &settlementID,
		Note:                    note,
		CreatedAt:               time.Now().UTC(),
	}
	if direction == state.DirectionLoss {
		entry.CapitalClosed = closed
	} else {
		entry.ProfitTaken = closed
	}
	if err := tx.AppendTransaction(entry); err != nil {
		return SettlementOutcome{}, nil, err
	}

	if settled {
		if err := tx.MarkSnapshotSettled(active.ID); err != nil {
			return SettlementOutcome{}, nil, err
		}
	}

	outcome := SettlementOutcome{
		SettlementID:      settlementID,
		CapitalClosed:     closed,
		Remaining:         newRemaining,
		PendingNew:        ledger.RoundShare(ledger.CapitalToShare(newRemaining, totalPct)),
		YourShare:         yours,
		CounterpartyShare: counterparty,
		Settled:           settled,
	}

	if err := e.reconcileAndCheck(tx, active, settled); err != nil {
		return SettlementOutcome{}, nil, err
	}

	ev := &Event{
		Kind:          entry.Kind.String(),
		AccountID:     acct.ID,
		TransactionID: entry.ID,
		Amount:        amount,
		CapitalClosed: entry.CapitalClosed,
		ProfitTaken:   entry.ProfitTaken,
		SettlementID:  settlementID,
		State:         e.stateAfter(active, settled),
		OccurredAt:    entry.CreatedAt,
	}

	e.log.Info().
		Str("account_id", acct.ID.String()).
		Str("settlement_id", settlementID).
		Str("direction", active.Direction.String()).
		Str("amount", amount.String()).
		Str("closed", closed.String()).
		Str("remaining", newRemaining.String()).
		Bool("settled", settled).
		Msg("settlement applied")

	return outcome, ev, nil
}

// replayAgainstSettled recognizes a duplicate of the final settlement that
// closed the most recent episode of the given direction. Returns ok when the
// request matches a committed entry.
func (e *Engine) replayAgainstSettled(tx store.AccountTx, direction state.Direction, amount decimal.Decimal) (SettlementOutcome, bool, error) {
	last, err := tx.LatestSettledSnapshot(direction)
	if err != nil || last == nil {
		return SettlementOutcome{}, false, err
	}

	settlementID := SettlementID(tx.Account().ID, last.Reference, amount, last.ID)
	if prior, ok := e.recent.Get(settlementID); ok {
		e.metrics.SettlementDuplicates.WithLabelValues("cache").Inc()
		prior.Duplicate = true
		return prior, true, nil
	}

	prior, err := tx.TransactionBySettlementID(settlementID)
	if err != nil {
		return SettlementOutcome{}, false, err
	}
	if prior == nil {
		return SettlementOutcome{}, false, nil
	}
	e.metrics.SettlementDuplicates.WithLabelValues("store").Inc()
	out, err := e.replayOutcome(tx, last, prior)
	return out, err == nil, err
}

// replayOutcome rebuilds the outcome of a previously committed settlement
// from its ledger entry.
func (e *Engine) replayOutcome(tx store.AccountTx, active *state.Snapshot, prior *ledger.Transaction) (SettlementOutcome, error) {
	txs, err := tx.Transactions()
	if err != nil {
		return SettlementOutcome{}, err
	}
	remaining := active.Remaining(txs)

	closed := prior.CapitalClosed
	if active.Direction == state.DirectionProfit {
		closed = prior.ProfitTaken
	}

	return SettlementOutcome{
		SettlementID:      *prior.SettlementID,
		CapitalClosed:     closed,
		Remaining:         remaining,
		PendingNew:        ledger.RoundShare(ledger.CapitalToShare(remaining, active.TotalSharePct())),
		YourShare:         prior.YourShareAmount,
		CounterpartyShare: prior.CounterpartyShareAmount,
		Settled:           remaining.IsZero(),
		Duplicate:         true,
	}, nil
}

// CreateFunding appends a funding entry. Funding is blocked while an episode
// is open: mixing fresh capital into a frozen balance chain would reprice
// the episode mid-flight.
func (e *Engine) CreateFunding(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, date time.Time, note string) (*ledger.Transaction, error) {
	var entry *ledger.Transaction
	err := e.withAccount(ctx, accountID, func(tx store.AccountTx) error {
		active, err := tx.ActiveSnapshot()
		if err != nil {
			return err
		}
		if active != nil {
			return ErrFundingBlocked
		}

		entry = &ledger.Transaction{
			ID:        uuid.New(),
			AccountID: accountID,
			Date:      date,
			Kind:      ledger.KindFunding,
			Amount:    amount,
			Note:      note,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.AppendTransaction(entry); err != nil {
			return err
		}
		return e.reconcileAndCheck(tx, nil, false)
	})
	if err != nil {
		e.countRejected("funding", err)
		return nil, err
	}

	e.metrics.SettlementsApplied.WithLabelValues("funding").Inc()
	e.emit(Event{
		Kind:          entry.Kind.String(),
		AccountID:     accountID,
		TransactionID: entry.ID,
		Amount:        amount,
		State:         state.StateNeutral.String(),
		OccurredAt:    entry.CreatedAt,
	})
	return entry, nil
}

// CreateBalanceRecord appends a balance observation and re-resolves the
// account. A divergence at or above the threshold opens a loss or profit
// episode; a sub-threshold residual is closed immediately through an
// explicit adjustment entry, never a silent mutation.
func (e *Engine) CreateBalanceRecord(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal, date time.Time, note string) (BalanceOutcome, error) {
	var (
		out         BalanceOutcome
		entry       *ledger.Transaction
		residualDir string
	)
	err := e.withAccount(ctx, accountID, func(tx store.AccountTx) error {
		acct := tx.Account()

		active, err := tx.ActiveSnapshot()
		if err != nil {
			return err
		}
		if active != nil {
			// The balance is frozen while an episode is open; a new
			// observation cannot land until the episode settles.
			return ErrSnapshotConflict
		}

		entry = &ledger.Transaction{
			ID:        uuid.New(),
			AccountID: accountID,
			Date:      date,
			Kind:      ledger.KindBalanceRecord,
			Amount:    balance,
			Note:      note,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.AppendTransaction(entry); err != nil {
			return err
		}

		txs, err := tx.Transactions()
		if err != nil {
			return err
		}
		capital := ledger.Capital(txs)

		cls := state.Classify(capital, balance, ledger.AutoCloseThreshold)
		out = BalanceOutcome{State: cls.State, StateName: cls.State.String(), Loss: cls.Loss, Profit: cls.Profit}

		var opened *state.Snapshot
		switch cls.State {
		case state.StateLoss:
			opened = state.NewSnapshot(acct, state.DirectionLoss,
				ledger.BalanceReference{Date: date, Balance: balance}, cls.Loss, time.Now().UTC())
		case state.StateProfit:
			opened = state.NewSnapshot(acct, state.DirectionProfit,
				ledger.BalanceReference{Date: date, Balance: balance}, cls.Profit, time.Now().UTC())
		case state.StateNeutral:
			if residual := state.Residual(capital, balance); !residual.IsZero() {
				if err := e.autoClose(tx, accountID, residual, date); err != nil {
					return err
				}
				residualDir = directionOfResidual(residual)
			}
		}

		if opened != nil {
			if err := tx.InsertSnapshot(opened); err != nil {
				return err
			}
			out.SnapshotID = &opened.ID
		}

		return e.reconcileAndCheck(tx, opened, false)
	})
	if err != nil {
		e.countRejected("balance_record", err)
		return BalanceOutcome{}, err
	}

	e.metrics.SettlementsApplied.WithLabelValues("balance_record").Inc()
	if out.SnapshotID != nil {
		e.metrics.SnapshotsOpened.WithLabelValues(out.StateName).Inc()
	}
	if residualDir != "" {
		e.metrics.SnapshotsClosed.WithLabelValues(residualDir, "auto").Inc()
	}
	e.emit(Event{
		Kind:          entry.Kind.String(),
		AccountID:     accountID,
		TransactionID: entry.ID,
		Amount:        balance,
		State:         out.StateName,
		OccurredAt:    entry.CreatedAt,
	})
	return out, nil
}

// autoClose records a sub-threshold residual as an explicit zero-amount
// adjustment so the closure stays traceable in the ledger.
func (e *Engine) autoClose(tx store.AccountTx, accountID uuid.UUID, residual decimal.Decimal, date time.Time) error {
	entry := &ledger.Transaction{
		ID:        uuid.New(),
		AccountID: accountID,
		Date:      date,
		Kind:      ledger.KindAdjustment,
		Amount:    decimal.Zero,
		Note:      "auto-close residual",
		CreatedAt: time.Now().UTC(),
	}
	if residual.IsPositive() {
		entry.CapitalClosed = residual
	} else {
		entry.ProfitTaken = residual.Neg()
	}
	return tx.AppendTransaction(entry)
}

func directionOfResidual(residual decimal.Decimal) string {
	if residual.IsPositive() {
		return state.DirectionLoss.String()
	}
	return state.DirectionProfit.String()
}

// reconcileAndCheck refreshes the account caches from the ledger and runs
// the invariant enforcer as the final gate of the unit of work.
func (e *Engine) reconcileAndCheck(tx store.AccountTx, active *state.Snapshot, justSettled bool) error {
	// Read-your-writes: derive from the log as this unit now sees it.
	txs, err := tx.Transactions()
	if err != nil {
		return err
	}

	stillActive := active
	if justSettled || active == nil {
		stillActive = nil
	}

	var ref *ledger.BalanceReference
	if stillActive != nil {
		ref = &stillActive.Reference
	}

	capital := ledger.Capital(txs)
	balance := ledger.CurrentBalance(txs, ref)
	if err := tx.UpdateAccountCaches(capital, balance); err != nil {
		return err
	}

	count, err := tx.ActiveSnapshotCount()
	if err != nil {
		return err
	}

	if err := e.enforcer.Check(txs, stillActive, count, capital, balance); err != nil {
		e.logViolation(tx.Account().ID, err)
		return err
	}
	return nil
}

// countRejected maps an operation error onto the rejection counter.
func (e *Engine) countRejected(kind string, err error) {
	reason := "internal"
	switch {
	case errors.Is(err, ErrNoActiveLoss), errors.Is(err, ErrNoActiveProfit):
		reason = "no_active_episode"
	case errors.Is(err, ErrInvalidPayment):
		reason = "invalid_payment"
	case errors.Is(err, ErrCapitalExceeded):
		reason = "capital_exceeded"
	case errors.Is(err, ErrFundingBlocked):
		reason = "funding_blocked"
	case errors.Is(err, ErrSnapshotConflict):
		reason = "snapshot_conflict"
	case errors.Is(err, ErrConcurrencyConflict):
		reason = "concurrency"
	case IsInvariantViolation(err):
		reason = "invariant_violation"
	case errors.Is(err, store.ErrNotFound):
		reason = "not_found"
	}
	e.metrics.SettlementsRejected.WithLabelValues(kind, reason).Inc()
}

func (e *Engine) logViolation(accountID uuid.UUID, err error) {
	var iv *InvariantViolationError
	if errors.As(err, &iv) {
		e.metrics.InvariantViolations.WithLabelValues(iv.Check).Inc()
		e.log.Error().
			Str("account_id", accountID.String()).
			Str("check", iv.Check).
			Str("detail", iv.Detail).
			Msg("invariant violation, unit rolled back")
	}
}

func (e *Engine) stateAfter(active *state.Snapshot, settled bool) string {
	if settled {
		return state.StateNeutral.String()
	}
	if active.Direction == state.DirectionProfit {
		return state.StateProfit.String()
	}
	return state.StateLoss.String()
}

// withAccount serializes the callback behind the account lock and the
// store's own unit of work. Lock-wait expiry surfaces as the retryable
// ErrConcurrencyConflict.
func (e *Engine) withAccount(ctx context.Context, accountID uuid.UUID, fn func(store.AccountTx) error) error {
	lockStart := time.Now()
	release, err := e.locker.Acquire(ctx, accountID, e.lockWait)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			e.metrics.LockTimeouts.Inc()
			return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		}
		return err
	}
	e.metrics.LockWaitDuration.Observe(time.Since(lockStart).Seconds())
	defer func() {
		if rerr := release(ctx); rerr != nil {
			e.log.Warn().Str("account_id", accountID.String()).Err(rerr).Msg("lock release failed")
		}
	}()

	err = e.store.Atomic(ctx, accountID, fn)
	switch {
	case errors.Is(err, store.ErrLockTimeout):
		e.metrics.LockTimeouts.Inc()
		return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	case errors.Is(err, store.ErrDuplicateSettlementID), errors.Is(err, store.ErrSnapshotActive):
		// Should be unreachable under the account lock; a racing writer
		// bypassed it. Retry from scratch is safe.
		return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	}
	return err
}

// emit hands an event to the publisher without ever blocking the settlement
// path.
func (e *Engine) emit(ev Event) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- ev:
	default:
		e.metrics.PublishDrops.Inc()
		e.log.Warn().Str("kind", ev.Kind).Msg("publish channel full, event dropped")
	}
}
