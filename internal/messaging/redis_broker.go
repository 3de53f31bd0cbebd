package messaging

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gomodule/redigo/redis"
)

var _ Broker = (*RedisBroker)(nil)

const redisQueuePrefix = "queryfleet:queue:"

// RedisBroker implements Broker on Redis lists. A send is acknowledged once
// RPUSH succeeds; with a positive limit, a push that overflows the list is
// rolled back and nacked.
type RedisBroker struct {
	pool  *redis.Pool
	limit int
}

// NewRedisBroker creates a RedisBroker using connections from pool.
func NewRedisBroker(pool *redis.Pool, limit int) *RedisBroker {
	return &RedisBroker{pool: pool, limit: limit}
}

var boundedPushScript = redis.NewScript(1, `
local n = redis.call("RPUSH", KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 and n > tonumber(ARGV[2]) then
	redis.call("RPOP", KEYS[1])
	return 0
end
return n`)

// Send implements Broker.
func (b *RedisBroker) Send(ctx context.Context, queue string, body []byte, confirm ConfirmFunc) error {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	n, err := redis.Int(boundedPushScript.Do(conn, redisQueuePrefix+queue, body, b.limit))
	if err != nil {
		return fmt.Errorf("push %s: %w", queue, err)
	}
	if confirm != nil {
		confirm(n > 0)
	}
	return nil
}

// Receive implements Broker.
func (b *RedisBroker) Receive(ctx context.Context, queue string, wait time.Duration) ([]byte, bool, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("redis connection: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	key := redisQueuePrefix + queue
	if wait <= 0 {
		body, err := redis.Bytes(redis.DoContext(conn, ctx, "LPOP", key))
		if errors.Is(err, redis.ErrNil) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("pop %s: %w", queue, err)
		}
		return body, true, nil
	}

	// BLPOP takes fractional seconds; 0 would block forever.
	timeout := math.Max(wait.Seconds(), 0.01)
	reply, err := redis.ByteSlices(redis.DoContext(conn, ctx, "BLPOP", key, timeout))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pop %s: %w", queue, err)
	}
	if len(reply) != 2 {
		return nil, false, fmt.Errorf("pop %s: unexpected reply of %d elements", queue, len(reply))
	}
	return reply[1], true, nil
}

// Len implements Broker.
func (b *RedisBroker) Len(ctx context.Context, queue string) (int, error) {
	return b.intCommand(ctx, "LLEN", queue)
}

// Purge implements Broker. For Redis lists it is the same as Delete.
func (b *RedisBroker) Purge(ctx context.Context, queue string) error {
	_, err := b.intCommand(ctx, "DEL", queue)
	return err
}

// Delete implements Broker.
func (b *RedisBroker) Delete(ctx context.Context, queue string) error {
	_, err := b.intCommand(ctx, "DEL", queue)
	return err
}

func (b *RedisBroker) intCommand(ctx context.Context, cmd, queue string) (int, error) {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("redis connection: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	n, err := redis.Int(redis.DoContext(conn, ctx, cmd, redisQueuePrefix+queue))
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", cmd, queue, err)
	}
	return n, nil
}
