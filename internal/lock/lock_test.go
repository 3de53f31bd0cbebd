package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queryfleet/internal/db"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type backend struct {
	name   string
	locker Locker
	// expire moves time past every lease issued so far.
	expire func(d time.Duration)
}

func newMiniredisPool(t *testing.T) (*miniredis.Miniredis, *redis.Pool) {
	t.Helper()
	s := miniredis.RunT(t)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", s.Addr())
		},
	}
	t.Cleanup(func() { _ = pool.Close() })
	return s, pool
}

func backends(t *testing.T) []backend {
	t.Helper()

	memClock := newTestClock()
	sqlClock := newTestClock()
	writeDB, _ := db.OpenTestSQLite(t)
	mr, pool := newMiniredisPool(t)

	return []backend{
		{name: "memory", locker: NewMemoryLocker(WithClock(memClock.Now), WithPollInterval(time.Millisecond)), expire: memClock.Advance},
		{name: "sqlite", locker: NewSQLiteLocker(writeDB, WithClock(sqlClock.Now), WithPollInterval(time.Millisecond)), expire: sqlClock.Advance},
		{name: "redis", locker: NewRedisLocker(pool, WithPollInterval(time.Millisecond)), expire: mr.FastForward},
	}
}

func TestLocker_MutualExclusion(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			name := TaskStatesLockName("q-1")

			l, ok, err := b.locker.TryLock(ctx, name, 0, time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, name, l.Name())

			_, ok, err = b.locker.TryLock(ctx, name, 5*time.Millisecond, time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "held lock must not be granted again")

			other, ok, err := b.locker.TryLock(ctx, TaskStatesLockName("q-2"), 0, time.Minute)
			require.NoError(t, err)
			require.True(t, ok, "names are independent")
			require.NoError(t, other.Unlock(ctx))

			require.NoError(t, l.Unlock(ctx))
			l2, ok, err := b.locker.TryLock(ctx, name, 0, time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, l2.Unlock(ctx))
		})
	}
}

func TestLocker_LeaseExpiryReleasesAbandonedLock(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			stale, ok, err := b.locker.TryLock(ctx, MonitorLockName, 0, time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			b.expire(2 * time.Second)

			fresh, ok, err := b.locker.TryLock(ctx, MonitorLockName, 0, time.Minute)
			require.NoError(t, err)
			require.True(t, ok, "expired lease must be reclaimable")

			assert.True(t, IsLockLost(stale.Unlock(ctx)), "stale owner learns it lost the lock")
			assert.True(t, IsLockLost(stale.Extend(ctx, time.Minute)))

			require.NoError(t, fresh.Extend(ctx, time.Minute))
			require.NoError(t, fresh.Unlock(ctx))
			assert.True(t, IsLockLost(fresh.Unlock(ctx)), "double unlock reports loss")
		})
	}
}

func TestLocker_ConcurrentTryLockSingleWinner(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			var (
				wg  sync.WaitGroup
				won atomic.Int32
			)
			for range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := b.locker.TryLock(ctx, "contended", 0, time.Minute)
					assert.NoError(t, err)
					if ok {
						won.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), won.Load())
		})
	}
}

func TestWithLock(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker(WithPollInterval(time.Millisecond))

	boom := errors.New("boom")
	ran, err := WithLock(ctx, locker, "x", 0, time.Minute, func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)

	// Released despite the error.
	l, ok, err := locker.TryLock(ctx, "x", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ran, err = WithLock(ctx, locker, "x", 5*time.Millisecond, time.Minute, func(context.Context) error {
		t.Fatal("must not run without the lock")
		return nil
	})
	assert.False(t, ran)
	assert.NoError(t, err)
	require.NoError(t, l.Unlock(ctx))
}

func TestLock_BlocksUntilReleased(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker(WithPollInterval(time.Millisecond))

	held, ok, err := locker.TryLock(ctx, "x", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = held.Unlock(ctx)
	}()

	l, err := Lock(ctx, locker, "x", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Unlock(ctx))

	cctx, cancel := context.WithCancel(ctx)
	_, ok, err = locker.TryLock(ctx, "y", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	cancel()
	_, err = Lock(cctx, locker, "y", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalSemaphore(t *testing.T) {
	ctx := context.Background()
	sem := NewLocalSemaphore(2)

	p1, err := sem.Acquire(ctx, 2)
	require.NoError(t, err)

	_, ok, err := sem.TryAcquire(ctx, 1, 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p1.Release(ctx))
	require.NoError(t, p1.Release(ctx), "release is idempotent")

	p2, ok, err := sem.TryAcquire(ctx, 1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	p3, ok, err := sem.TryAcquire(ctx, 1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, _ = sem.TryAcquire(ctx, 1, 0)
	assert.False(t, ok, "release must not have over-credited the semaphore")
	require.NoError(t, p2.Release(ctx))
	require.NoError(t, p3.Release(ctx))
}

func TestRedisSemaphore(t *testing.T) {
	ctx := context.Background()
	_, pool := newMiniredisPool(t)
	clock := newTestClock()
	sem := NewRedisSemaphore(pool, "pool-default", 3, time.Minute, WithClock(clock.Now), WithPollInterval(time.Millisecond))

	p1, ok, err := sem.TryAcquire(ctx, 2, 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = sem.TryAcquire(ctx, 2, 5*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "only one permit left")

	p2, ok, err := sem.TryAcquire(ctx, 1, 0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, p1.Release(ctx))
	assert.True(t, IsLockLost(p1.Release(ctx)))

	p3, err := sem.Acquire(ctx, 2)
	require.NoError(t, err)

	// Holders that stop renewing are dropped after the lease.
	clock.Advance(2 * time.Minute)
	p4, ok, err := sem.TryAcquire(ctx, 3, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, IsLockLost(p2.Release(ctx)))
	assert.True(t, IsLockLost(p3.Release(ctx)))
	require.NoError(t, p4.Release(ctx))

	_, _, err = sem.TryAcquire(ctx, 4, 0)
	assert.Error(t, err, "more permits than capacity")
}

func TestRedisSemaphore_ExtendKeepsPermit(t *testing.T) {
	ctx := context.Background()
	_, pool := newMiniredisPool(t)
	clock := newTestClock()
	sem := NewRedisSemaphore(pool, "pool-default", 1, time.Minute, WithClock(clock.Now), WithPollInterval(time.Millisecond))
	assert.Equal(t, time.Minute, sem.Lease())

	held, ok, err := sem.TryAcquire(ctx, 1, 0)
	require.NoError(t, err)
	require.True(t, ok)

	// Renewed holders outlive the original lease.
	for range 3 {
		clock.Advance(40 * time.Second)
		require.NoError(t, held.Extend(ctx))
	}
	_, ok, err = sem.TryAcquire(ctx, 1, 0)
	require.NoError(t, err)
	assert.False(t, ok, "renewed permit still counts against capacity")

	clock.Advance(2 * time.Minute)
	assert.True(t, IsLockLost(held.Extend(ctx)), "expired permit cannot be renewed")
	next, ok, err := sem.TryAcquire(ctx, 1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, next.Release(ctx))
}
