package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"

	"queryfleet/internal/domain"
)

var _ Locker = (*RedisLocker)(nil)

const redisKeyPrefix = "queryfleet:lock:"

// Both scripts act only when the key still carries the caller's token.
var (
	unlockScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker implements Locker with SET NX PX keys, one per lock name.
type RedisLocker struct {
	pool *redis.Pool
	opts options
}

// NewRedisLocker creates a RedisLocker using connections from pool.
func NewRedisLocker(pool *redis.Pool, opts ...Option) *RedisLocker {
	return &RedisLocker{pool: pool, opts: buildOptions(opts)}
}

// TryLock implements Locker.
func (r *RedisLocker) TryLock(ctx context.Context, name string, wait, lease time.Duration) (Lease, bool, error) {
	token := domain.NewToken()
	ok, err := pollUntil(ctx, wait, r.opts.poll, func() (bool, error) {
		return r.acquire(ctx, name, token, lease)
	})
	if err != nil || !ok {
		return nil, false, err
	}
	return &redisLease{locker: r, name: name, token: token}, true, nil
}

func (r *RedisLocker) acquire(ctx context.Context, name, token string, lease time.Duration) (bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return false, fmt.Errorf("redis connection: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	_, err = redis.String(conn.Do("SET", redisKeyPrefix+name, token, "NX", "PX", lease.Milliseconds()))
	if errors.Is(err, redis.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return true, nil
}

type redisLease struct {
	locker *RedisLocker
	name   string
	token  string
}

func (l *redisLease) Name() string { return l.name }

func (l *redisLease) Extend(ctx context.Context, lease time.Duration) error {
	return l.run(ctx, extendScript, l.token, lease.Milliseconds())
}

func (l *redisLease) Unlock(ctx context.Context) error {
	return l.run(ctx, unlockScript, l.token)
}

func (l *redisLease) run(ctx context.Context, script *redis.Script, args ...interface{}) error {
	conn, err := l.locker.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	keysAndArgs := append([]interface{}{redisKeyPrefix + l.name}, args...)
	n, err := redis.Int(script.Do(conn, keysAndArgs...))
	if err != nil {
		return fmt.Errorf("lease %s: %w", l.name, err)
	}
	if n == 0 {
		return &domain.LockLostError{Name: l.name}
	}
	return nil
}

// NewRedisPool returns a connection pool dialing addr.
func NewRedisPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}
