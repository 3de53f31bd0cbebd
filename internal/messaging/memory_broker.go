package messaging

import (
	"context"
	"sync"
	"time"
)

var _ Broker = (*MemoryBroker)(nil)

// MemoryBroker is an in-process Broker. Every send is acknowledged unless a
// queue limit is set and the queue is full, in which case it is nacked.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
	limit  int
}

type memoryQueue struct {
	items [][]byte
	// ready is closed and replaced whenever an item is pushed.
	ready chan struct{}
}

// NewMemoryBroker creates a MemoryBroker. A positive limit caps queue length.
func NewMemoryBroker(limit int) *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]*memoryQueue), limit: limit}
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{ready: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

// Send implements Broker.
func (b *MemoryBroker) Send(_ context.Context, queue string, body []byte, confirm ConfirmFunc) error {
	b.mu.Lock()
	q := b.queue(queue)
	ack := b.limit <= 0 || len(q.items) < b.limit
	if ack {
		q.items = append(q.items, append([]byte(nil), body...))
		close(q.ready)
		q.ready = make(chan struct{})
	}
	b.mu.Unlock()

	if confirm != nil {
		go confirm(ack)
	}
	return nil
}

// Receive implements Broker.
func (b *MemoryBroker) Receive(ctx context.Context, queue string, wait time.Duration) ([]byte, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		b.mu.Lock()
		q := b.queue(queue)
		if len(q.items) > 0 {
			body := q.items[0]
			q.items = q.items[1:]
			b.mu.Unlock()
			return body, true, nil
		}
		ready := q.ready
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-timer.C:
			return nil, false, nil
		case <-ready:
		}
	}
}

// Len implements Broker.
func (b *MemoryBroker) Len(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.items), nil
	}
	return 0, nil
}

// Purge implements Broker.
func (b *MemoryBroker) Purge(_ context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		q.items = nil
	}
	return nil
}

// Delete implements Broker.
func (b *MemoryBroker) Delete(_ context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		q.items = nil
		delete(b.queues, queue)
	}
	return nil
}
