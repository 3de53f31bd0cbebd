package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"queryfleet/internal/domain"
	"queryfleet/internal/lock"
)

type countingPermit struct {
	extends  atomic.Int32
	lostFrom int32
	released atomic.Bool
}

func (p *countingPermit) Extend(context.Context) error {
	if n := p.extends.Add(1); p.lostFrom > 0 && n >= p.lostFrom {
		return &domain.LockLostError{Name: "pool-default"}
	}
	return nil
}

func (p *countingPermit) Release(context.Context) error {
	p.released.Store(true)
	return nil
}

func TestService_KeepAliveExtendsClusterPermits(t *testing.T) {
	t.Parallel()
	s := NewService(nil, nil, "default", 1, discardLogger(),
		WithClusterSemaphore(lock.NewLocalSemaphore(1), 2*time.Millisecond))

	held := &countingPermit{}
	stop := s.keepAlive(context.Background(), []lock.Permit{held})
	assert.Eventually(t, func() bool { return held.extends.Load() >= 3 }, time.Second, time.Millisecond,
		"a long task keeps renewing its permit")
	stop()

	after := held.extends.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, held.extends.Load(), "stop ends renewal")
}

func TestService_KeepAliveDropsLostPermits(t *testing.T) {
	t.Parallel()
	s := NewService(nil, nil, "default", 1, discardLogger(),
		WithClusterSemaphore(lock.NewLocalSemaphore(1), time.Millisecond))

	lost := &countingPermit{lostFrom: 2}
	live := &countingPermit{}
	stop := s.keepAlive(context.Background(), []lock.Permit{lost, live})
	defer stop()

	assert.Eventually(t, func() bool { return live.extends.Load() >= 5 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), lost.extends.Load(), "a lost permit is not renewed again")
}

func TestService_KeepAliveWithoutClusterIsNoop(t *testing.T) {
	t.Parallel()
	s := NewService(nil, nil, "default", 1, discardLogger())

	p := &countingPermit{}
	s.keepAlive(context.Background(), []lock.Permit{p})()
	assert.Zero(t, p.extends.Load())
	assert.False(t, p.released.Load())
}
