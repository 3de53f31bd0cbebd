package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"golang.org/x/sync/semaphore"

	"queryfleet/internal/domain"
)

// Permit is a set of acquired semaphore permits.
type Permit interface {
	// Extend renews the permit's lease. It fails with a LockLostError once
	// the permit expired and was reclaimed.
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Semaphore is a counting semaphore.
type Semaphore interface {
	// Acquire blocks until permits are available or ctx is done.
	Acquire(ctx context.Context, permits int64) (Permit, error)
	// TryAcquire waits up to wait. acquired is false when the budget ran out.
	TryAcquire(ctx context.Context, permits int64, wait time.Duration) (p Permit, acquired bool, err error)
}

var (
	_ Semaphore = (*LocalSemaphore)(nil)
	_ Semaphore = (*RedisSemaphore)(nil)
)

// LocalSemaphore is an in-process Semaphore.
type LocalSemaphore struct {
	w *semaphore.Weighted
}

// NewLocalSemaphore creates a LocalSemaphore with capacity permits.
func NewLocalSemaphore(capacity int64) *LocalSemaphore {
	return &LocalSemaphore{w: semaphore.NewWeighted(capacity)}
}

// Acquire implements Semaphore.
func (s *LocalSemaphore) Acquire(ctx context.Context, permits int64) (Permit, error) {
	if err := s.w.Acquire(ctx, permits); err != nil {
		return nil, err
	}
	return &localPermit{w: s.w, n: permits}, nil
}

// TryAcquire implements Semaphore.
func (s *LocalSemaphore) TryAcquire(ctx context.Context, permits int64, wait time.Duration) (Permit, bool, error) {
	if s.w.TryAcquire(permits) {
		return &localPermit{w: s.w, n: permits}, true, nil
	}
	if wait <= 0 {
		return nil, false, nil
	}
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := s.w.Acquire(wctx, permits); err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, nil
	}
	return &localPermit{w: s.w, n: permits}, true, nil
}

type localPermit struct {
	once sync.Once
	w    *semaphore.Weighted
	n    int64
}

func (p *localPermit) Extend(context.Context) error { return nil }

func (p *localPermit) Release(context.Context) error {
	p.once.Do(func() { p.w.Release(p.n) })
	return nil
}

// acquireSemaphoreScript drops expired holders, then admits the caller if
// the remaining holders leave room. KEYS: expiry zset, permit hash.
// ARGV: now ms, expiry ms, token, permits, capacity.
var acquireSemaphoreScript = redis.NewScript(2, `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, t in ipairs(expired) do
	redis.call("HDEL", KEYS[2], t)
end
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local used = 0
for _, v in ipairs(redis.call("HVALS", KEYS[2])) do
	used = used + tonumber(v)
end
if used + tonumber(ARGV[4]) > tonumber(ARGV[5]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[3])
redis.call("HSET", KEYS[2], ARGV[3], ARGV[4])
return 1`)

// extendSemaphoreScript moves a live holder's expiry forward.
// KEYS: expiry zset. ARGV: now ms, expiry ms, token.
var extendSemaphoreScript = redis.NewScript(1, `
local score = redis.call("ZSCORE", KEYS[1], ARGV[3])
if not score or tonumber(score) <= tonumber(ARGV[1]) then
	return 0
end
redis.call("ZADD", KEYS[1], "XX", ARGV[2], ARGV[3])
return 1`)

var releaseSemaphoreScript = redis.NewScript(2, `
redis.call("ZREM", KEYS[1], ARGV[1])
return redis.call("HDEL", KEYS[2], ARGV[1])`)

// RedisSemaphore is a cluster-wide Semaphore. Each holder is recorded with an
// expiry so permits of crashed processes return after the lease.
type RedisSemaphore struct {
	pool     *redis.Pool
	name     string
	capacity int64
	lease    time.Duration
	opts     options
}

// NewRedisSemaphore creates a semaphore named name with capacity permits.
func NewRedisSemaphore(pool *redis.Pool, name string, capacity int64, lease time.Duration, opts ...Option) *RedisSemaphore {
	return &RedisSemaphore{pool: pool, name: name, capacity: capacity, lease: lease, opts: buildOptions(opts)}
}

func (s *RedisSemaphore) keys() (string, string) {
	base := redisKeyPrefix + "sem:" + s.name
	return base + ":expiry", base + ":permits"
}

// Acquire implements Semaphore.
func (s *RedisSemaphore) Acquire(ctx context.Context, permits int64) (Permit, error) {
	for {
		p, ok, err := s.TryAcquire(ctx, permits, time.Second)
		if err != nil {
			return nil, err
		}
		if ok {
			return p, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// TryAcquire implements Semaphore.
func (s *RedisSemaphore) TryAcquire(ctx context.Context, permits int64, wait time.Duration) (Permit, bool, error) {
	if permits > s.capacity {
		return nil, false, domain.ErrValidation("requested %d permits from semaphore %s of capacity %d", permits, s.name, s.capacity)
	}
	token := domain.NewToken()
	ok, err := pollUntil(ctx, wait, s.opts.poll, func() (bool, error) {
		return s.tryOnce(ctx, token, permits)
	})
	if err != nil || !ok {
		return nil, false, err
	}
	return &redisPermit{sem: s, token: token}, true, nil
}

func (s *RedisSemaphore) tryOnce(ctx context.Context, token string, permits int64) (bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return false, fmt.Errorf("redis connection: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	now := s.opts.now()
	expiry, holders := s.keys()
	n, err := redis.Int(acquireSemaphoreScript.Do(conn, expiry, holders,
		now.UnixMilli(), now.Add(s.lease).UnixMilli(), token, permits, s.capacity))
	if err != nil {
		return false, fmt.Errorf("acquire semaphore %s: %w", s.name, err)
	}
	return n == 1, nil
}

type redisPermit struct {
	sem   *RedisSemaphore
	token string
}

func (p *redisPermit) Extend(ctx context.Context) error {
	conn, err := p.sem.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	now := p.sem.opts.now()
	expiry, _ := p.sem.keys()
	n, err := redis.Int(extendSemaphoreScript.Do(conn, expiry, now.UnixMilli(), now.Add(p.sem.lease).UnixMilli(), p.token))
	if err != nil {
		return fmt.Errorf("extend semaphore %s: %w", p.sem.name, err)
	}
	if n == 0 {
		return &domain.LockLostError{Name: p.sem.name}
	}
	return nil
}

// Lease is how long a permit survives without Extend.
func (s *RedisSemaphore) Lease() time.Duration { return s.lease }

func (p *redisPermit) Release(ctx context.Context) error {
	conn, err := p.sem.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	expiry, holders := p.sem.keys()
	n, err := redis.Int(releaseSemaphoreScript.Do(conn, expiry, holders, p.token))
	if err != nil {
		return fmt.Errorf("release semaphore %s: %w", p.sem.name, err)
	}
	if n == 0 {
		return &domain.LockLostError{Name: p.sem.name}
	}
	return nil
}

// IsLockLost reports whether err says a lease or permit was lost.
func IsLockLost(err error) bool {
	var lost *domain.LockLostError
	return errors.As(err, &lost)
}
