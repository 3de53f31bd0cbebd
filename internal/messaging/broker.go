// Package messaging carries results and task notifications between executors
// and consumers over a queue broker, with delivery confirmation and a claim
// check for oversized results.
package messaging

import (
	"context"
	"time"
)

// ConfirmFunc receives the broker's acknowledgement for one sent message.
// It is called at most once, possibly before Send returns.
type ConfirmFunc func(ack bool)

// Broker is a named-queue message transport.
type Broker interface {
	// Send enqueues body. confirm may be nil for fire-and-forget sends.
	Send(ctx context.Context, queue string, body []byte, confirm ConfirmFunc) error
	// Receive waits up to wait for a message. ok is false on timeout.
	Receive(ctx context.Context, queue string, wait time.Duration) (body []byte, ok bool, err error)
	Len(ctx context.Context, queue string) (int, error)
	// Purge drops queued messages. Delete removes the queue entirely.
	Purge(ctx context.Context, queue string) error
	Delete(ctx context.Context, queue string) error
}

// ResultsQueue is the queue name of a query's result channel.
func ResultsQueue(queryID string) string {
	return "results." + queryID
}

// TaskQueue is the queue name carrying task notifications for a pool.
func TaskQueue(pool string) string {
	return "tasks." + pool
}
