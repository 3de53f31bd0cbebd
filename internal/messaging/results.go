package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"queryfleet/internal/domain"
)

var (
	_ domain.ResultsManager   = (*Manager)(nil)
	_ domain.ResultsPublisher = (*Publisher)(nil)
	_ domain.ResultsListener  = (*Listener)(nil)
)

// envelope is the wire form of a result on a results queue.
type envelope struct {
	CorrelationID string        `json:"correlation_id"`
	Result        domain.Result `json:"result"`
	// ClaimCheck marks a stub whose payload lives in the claim check under
	// the result id.
	ClaimCheck bool `json:"claim_check,omitempty"`
}

// confirmTracker correlates broker acknowledgements with waiting publishers.
type confirmTracker struct {
	mu      sync.Mutex
	pending map[string]chan bool
}

func (t *confirmTracker) register(id string) chan bool {
	ch := make(chan bool, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *confirmTracker) confirm(id string, ack bool) {
	t.mu.Lock()
	ch, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if ok {
		ch <- ack
	}
}

func (t *confirmTracker) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *confirmTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Manager owns the per-query result channels on a Broker.
type Manager struct {
	broker     Broker
	claimCheck domain.ClaimCheck
	maxSize    int
	tracker    *confirmTracker
	logger     *slog.Logger
}

// NewManager creates a Manager. claimCheck may be nil; maxSize <= 0 disables
// the size limit.
func NewManager(broker Broker, claimCheck domain.ClaimCheck, maxSize int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		broker:     broker,
		claimCheck: claimCheck,
		maxSize:    maxSize,
		tracker:    &confirmTracker{pending: make(map[string]chan bool)},
		logger:     logger,
	}
}

// CreatePublisher implements domain.ResultsManager.
func (m *Manager) CreatePublisher(queryID string) domain.ResultsPublisher {
	return &Publisher{m: m, queue: ResultsQueue(queryID)}
}

// CreateListener implements domain.ResultsManager. queueName is normally
// ResultsQueue(queryID).
func (m *Manager) CreateListener(listenerID, queueName string) domain.ResultsListener {
	return &Listener{m: m, id: listenerID, queue: queueName}
}

// NumResultsRemaining implements domain.ResultsManager.
func (m *Manager) NumResultsRemaining(ctx context.Context, queryID string) (int, error) {
	return m.broker.Len(ctx, ResultsQueue(queryID))
}

// DeleteQuery implements domain.ResultsManager.
func (m *Manager) DeleteQuery(ctx context.Context, queryID string) error {
	return m.broker.Delete(ctx, ResultsQueue(queryID))
}

// EmptyQuery implements domain.ResultsManager.
func (m *Manager) EmptyQuery(ctx context.Context, queryID string) error {
	return m.broker.Purge(ctx, ResultsQueue(queryID))
}

// PendingConfirms returns the number of publishes still awaiting an
// acknowledgement.
func (m *Manager) PendingConfirms() int {
	return m.tracker.len()
}

// Publisher publishes results to one query's results queue.
type Publisher struct {
	m     *Manager
	queue string
}

// Publish sends r and waits up to interval for the broker acknowledgement.
// It returns false, nil on a timeout or negative acknowledgement. Errors are
// returned for results that cannot be sent at all.
func (p *Publisher) Publish(ctx context.Context, r domain.Result, interval time.Duration) (bool, error) {
	m := p.m
	raw, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("encode result %s: %w", r.ID, err)
	}

	env := envelope{CorrelationID: domain.NewID(), Result: r}
	if m.maxSize > 0 && len(raw) > m.maxSize {
		if m.claimCheck == nil {
			m.logger.Error("result exceeds max message size and no claim check is configured",
				"queue", p.queue, "result_id", r.ID, "size", len(raw), "max_size", m.maxSize)
			return false, domain.ErrValidation("result %s of %d bytes exceeds the %d byte message limit", r.ID, len(raw), m.maxSize)
		}
		if err := m.claimCheck.Store(ctx, r.ID, raw); err != nil {
			return false, fmt.Errorf("claim check result %s: %w", r.ID, err)
		}
		env.Result = domain.Result{ID: r.ID}
		env.ClaimCheck = true
	}

	body, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("encode envelope: %w", err)
	}

	acks := m.tracker.register(env.CorrelationID)
	if err := m.broker.Send(ctx, p.queue, body, func(ack bool) { m.tracker.confirm(env.CorrelationID, ack) }); err != nil {
		m.tracker.forget(env.CorrelationID)
		return false, fmt.Errorf("send result %s: %w", r.ID, err)
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case ack := <-acks:
		if !ack {
			m.logger.Debug("result nacked", "queue", p.queue, "result_id", r.ID)
		}
		return ack, nil
	case <-timer.C:
		m.tracker.forget(env.CorrelationID)
		m.logger.Debug("result acknowledgement timed out", "queue", p.queue, "result_id", r.ID, "interval", interval)
		return false, nil
	case <-ctx.Done():
		m.tracker.forget(env.CorrelationID)
		return false, ctx.Err()
	}
}

// Listener consumes one results queue, resolving claim-check stubs.
type Listener struct {
	m     *Manager
	id    string
	queue string
}

// Receive implements domain.ResultsListener.
func (l *Listener) Receive(ctx context.Context, wait time.Duration) (domain.Result, bool, error) {
	body, ok, err := l.m.broker.Receive(ctx, l.queue, wait)
	if err != nil || !ok {
		return domain.Result{}, false, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.Result{}, false, fmt.Errorf("decode envelope on %s: %w", l.queue, err)
	}
	if !env.ClaimCheck {
		return env.Result, true, nil
	}
	if l.m.claimCheck == nil {
		return domain.Result{}, false, fmt.Errorf("claim-checked result %s received without a claim check", env.Result.ID)
	}
	raw, err := l.m.claimCheck.Fetch(ctx, env.Result.ID)
	if err != nil {
		return domain.Result{}, false, err
	}
	var r domain.Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.Result{}, false, fmt.Errorf("decode claim-checked result %s: %w", env.Result.ID, err)
	}
	return r, true, nil
}

// Close implements domain.ResultsListener.
func (l *Listener) Close() error {
	l.m.logger.Debug("results listener closed", "listener_id", l.id, "queue", l.queue)
	return nil
}
