// Package lock provides lease-based named locks and counting semaphores
// backed by process memory, SQLite or Redis. A lease that is not extended
// expires, releasing locks held by crashed processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Well-known lock names.
const (
	MonitorLockName = "monitor"
)

// TaskStatesLockName returns the lock guarding the task states of a query.
func TaskStatesLockName(queryID string) string {
	return "task-states/" + queryID
}

// Lease is a held lock.
type Lease interface {
	Name() string
	// Extend renews the lease. It returns a LockLostError if the lease
	// expired or was taken by another owner.
	Extend(ctx context.Context, lease time.Duration) error
	// Unlock releases the lease. It returns a LockLostError if the lease
	// was no longer held.
	Unlock(ctx context.Context) error
}

// Locker hands out named leases. Locks are not reentrant: a second TryLock
// for a held name fails even from the same process.
type Locker interface {
	// TryLock waits up to wait for the lock. acquired is false when the wait
	// budget ran out; err is reserved for coordination failures.
	TryLock(ctx context.Context, name string, wait, lease time.Duration) (l Lease, acquired bool, err error)
}

// Lock blocks until the lock is acquired or ctx is done.
func Lock(ctx context.Context, locker Locker, name string, lease time.Duration) (Lease, error) {
	for {
		l, ok, err := locker.TryLock(ctx, name, time.Second, lease)
		if err != nil {
			return nil, err
		}
		if ok {
			return l, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// WithLock runs fn while holding the named lock and always releases it.
// It reports false without calling fn when the lock could not be obtained
// within wait. An unlock failure is returned only if fn succeeded.
func WithLock(ctx context.Context, locker Locker, name string, wait, lease time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	l, ok, err := locker.TryLock(ctx, name, wait, lease)
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", name, err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		// Release even when ctx was cancelled mid-call.
		uerr := l.Unlock(context.WithoutCancel(ctx))
		if err == nil && uerr != nil {
			err = fmt.Errorf("unlock %s: %w", name, uerr)
		}
	}()
	return true, fn(ctx)
}

// pollUntil calls try until it succeeds, fails, wait elapses or ctx is done.
// try is always called at least once.
func pollUntil(ctx context.Context, wait, interval time.Duration, try func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := try()
		if err != nil || ok {
			return ok, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		timer := time.NewTimer(min(interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, nil
			}
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

const defaultPollInterval = 10 * time.Millisecond

type options struct {
	now  func() time.Time
	poll time.Duration
}

// Option configures a Locker or Semaphore.
type Option func(*options)

// WithClock overrides the time source used for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithPollInterval sets how often a waiting TryLock retries.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.poll = d }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, poll: defaultPollInterval}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
