package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"queryfleet/internal/domain"
)

var _ domain.TaskNotifier = (*Notifier)(nil)

// Notifier sends and receives task notifications on per-pool task queues.
type Notifier struct {
	broker Broker
}

// NewNotifier creates a Notifier on broker.
func NewNotifier(broker Broker) *Notifier {
	return &Notifier{broker: broker}
}

// Notify implements domain.TaskNotifier.
func (n *Notifier) Notify(ctx context.Context, tn domain.TaskNotification) error {
	body, err := json.Marshal(tn)
	if err != nil {
		return fmt.Errorf("encode task notification: %w", err)
	}
	if err := n.broker.Send(ctx, TaskQueue(tn.QueryKey.Pool), body, nil); err != nil {
		return fmt.Errorf("notify %s: %w", tn.TaskKey(), err)
	}
	return nil
}

// Receive waits up to wait for the next notification of pool.
func (n *Notifier) Receive(ctx context.Context, pool string, wait time.Duration) (domain.TaskNotification, bool, error) {
	body, ok, err := n.broker.Receive(ctx, TaskQueue(pool), wait)
	if err != nil || !ok {
		return domain.TaskNotification{}, false, err
	}
	var tn domain.TaskNotification
	if err := json.Unmarshal(body, &tn); err != nil {
		return domain.TaskNotification{}, false, fmt.Errorf("decode task notification: %w", err)
	}
	return tn, true, nil
}
