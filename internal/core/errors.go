package core

import (
	"errors"
	"fmt"
)

// Caller-correctable validation errors. No state change occurs when these
// are returned.
var (
	// ErrNoActiveLoss: settlement attempted with no open loss episode.
	ErrNoActiveLoss = errors.New("no active loss to settle")

	// ErrNoActiveProfit: withdrawal attempted with no open profit episode.
	ErrNoActiveProfit = errors.New("no active profit to withdraw")

	// ErrInvalidPayment: payment is non-positive or exceeds the pending
	// share-space amount.
	ErrInvalidPayment = errors.New("invalid payment amount")

	// ErrCapitalExceeded: the capital-space equivalent of the payment
	// exceeds the remaining episode amount.
	ErrCapitalExceeded = errors.New("payment exceeds remaining amount")

	// ErrFundingBlocked: funding is rejected while an episode is open.
	ErrFundingBlocked = errors.New("funding blocked while an episode is active")

	// ErrSnapshotConflict: a balance record arrived while an episode is
	// still open, or a second episode would have been created.
	ErrSnapshotConflict = errors.New("account already has an active episode")

	// ErrConcurrencyConflict: the account lock could not be acquired in
	// time. Safe to retry the whole operation; settlements are idempotent.
	ErrConcurrencyConflict = errors.New("account is busy, retry")
)

// InvariantViolationError signals an internal bug: a post-write consistency
// check failed. The unit of work that produced it is always rolled back and
// the violation is never corrected silently.
type InvariantViolationError struct {
	Check  string
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Check, e.Detail)
}

func violation(check, format string, args ...interface{}) *InvariantViolationError {
	return &InvariantViolationError{Check: check, Detail: fmt.Sprintf(format, args...)}
}

// IsInvariantViolation reports whether err is (or wraps) a failed invariant
// check.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolationError
	return errors.As(err, &iv)
}
