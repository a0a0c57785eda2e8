// Package lock serializes settlement work per account. The engine takes the
// account lock before reading the log, so two writers can never derive state
// from the same snapshot of history.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLockTimeout is returned when the lock could not be acquired within the
// caller's wait budget.
var ErrLockTimeout = errors.New("lock: acquisition timed out")

// AccountLocker guards critical sections keyed by account. Release must be
// called exactly once per successful Acquire.
type AccountLocker interface {
	// Acquire blocks until the account lock is held, the wait budget runs
	// out (ErrLockTimeout), or ctx is done.
	Acquire(ctx context.Context, accountID uuid.UUID, wait time.Duration) (Release, error)
}

// Release frees a held account lock.
type Release func(ctx context.Context) error

// LocalLocker is an in-process AccountLocker backed by one channel slot per
// account. It is the default for single-instance deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[uuid.UUID]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[uuid.UUID]chan struct{})}
}

func (l *LocalLocker) slot(accountID uuid.UUID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[accountID]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[accountID] = s
	}
	return s
}

func (l *LocalLocker) Acquire(ctx context.Context, accountID uuid.UUID, wait time.Duration) (Release, error) {
	s := l.slot(accountID)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s <- struct{}{}:
		return func(context.Context) error {
			<-s
			return nil
		}, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
