package lock

import (
	"context"
	"sync"
	"time"

	"queryfleet/internal/domain"
)

var _ Locker = (*MemoryLocker)(nil)

// MemoryLocker is a process-local Locker keyed by lock name. It is used by
// single-process deployments and tests.
type MemoryLocker struct {
	mu      sync.Mutex
	holders map[string]memoryHolder
	opts    options
}

type memoryHolder struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker(opts ...Option) *MemoryLocker {
	return &MemoryLocker{holders: make(map[string]memoryHolder), opts: buildOptions(opts)}
}

// TryLock implements Locker.
func (m *MemoryLocker) TryLock(ctx context.Context, name string, wait, lease time.Duration) (Lease, bool, error) {
	token := domain.NewToken()
	ok, err := pollUntil(ctx, wait, m.opts.poll, func() (bool, error) {
		return m.acquire(name, token, lease), nil
	})
	if err != nil || !ok {
		return nil, false, err
	}
	return &memoryLease{locker: m, name: name, token: token}, true, nil
}

func (m *MemoryLocker) acquire(name, token string, lease time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	if h, ok := m.holders[name]; ok && now.Before(h.expires) {
		return false
	}
	m.holders[name] = memoryHolder{token: token, expires: now.Add(lease)}
	return true
}

// held reports whether token still owns name, dropping an expired holder.
func (m *MemoryLocker) held(name, token string) bool {
	h, ok := m.holders[name]
	if !ok || h.token != token {
		return false
	}
	if !m.opts.now().Before(h.expires) {
		delete(m.holders, name)
		return false
	}
	return true
}

type memoryLease struct {
	locker *MemoryLocker
	name   string
	token  string
}

func (l *memoryLease) Name() string { return l.name }

func (l *memoryLease) Extend(_ context.Context, lease time.Duration) error {
	m := l.locker
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held(l.name, l.token) {
		return &domain.LockLostError{Name: l.name}
	}
	m.holders[l.name] = memoryHolder{token: l.token, expires: m.opts.now().Add(lease)}
	return nil
}

func (l *memoryLease) Unlock(_ context.Context) error {
	m := l.locker
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held(l.name, l.token) {
		return &domain.LockLostError{Name: l.name}
	}
	delete(m.holders, l.name)
	return nil
}
