package executor

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"queryfleet/internal/domain"
	"queryfleet/internal/lock"
)

const receiveWait = time.Second

// NotificationSource yields task notifications addressed to a pool.
type NotificationSource interface {
	Receive(ctx context.Context, pool string, wait time.Duration) (domain.TaskNotification, bool, error)
}

// Service feeds notifications of one pool to an Executor with bounded
// concurrency.
type Service struct {
	exec    *Executor
	source  NotificationSource
	pool    string
	local   lock.Semaphore
	cluster lock.Semaphore
	// renewEvery is how often held cluster permits are extended.
	renewEvery time.Duration
	logger     *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClusterSemaphore additionally caps tasks running across every
// executor of the pool. Permits are extended every renewEvery while their
// task runs, so renewEvery must be well under the semaphore's lease.
func WithClusterSemaphore(sem lock.Semaphore, renewEvery time.Duration) ServiceOption {
	return func(s *Service) {
		s.cluster = sem
		s.renewEvery = renewEvery
	}
}

// NewService creates a Service running at most workers tasks at once.
func NewService(exec *Executor, source NotificationSource, pool string, workers int, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	s := &Service{
		exec:   exec,
		source: source,
		pool:   pool,
		local:  lock.NewLocalSemaphore(int64(workers)),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run consumes notifications until ctx is cancelled, then waits for
// running tasks to finish.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("executor started", "pool", s.pool)
	g, gctx := errgroup.WithContext(ctx)

	var runErr error
	for {
		permits, err := s.acquire(gctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				runErr = err
			}
			break
		}

		n, ok, err := s.source.Receive(gctx, s.pool, receiveWait)
		if err != nil || !ok {
			s.release(permits)
			if gctx.Err() != nil {
				break
			}
			if err != nil {
				s.logger.Warn("receive task notification", "pool", s.pool, "error", err)
			}
			continue
		}

		g.Go(func() error {
			defer s.release(permits)
			stop := s.keepAlive(gctx, permits)
			defer stop()
			if _, err := s.exec.Handle(gctx, n); err != nil {
				s.logger.Warn("handle task notification", "query", n.QueryKey.String(), "task", n.TaskID, "error", err)
			}
			return nil
		})
	}

	_ = g.Wait()
	s.logger.Info("executor stopped", "pool", s.pool)
	return runErr
}

func (s *Service) acquire(ctx context.Context) ([]lock.Permit, error) {
	p, err := s.local.Acquire(ctx, 1)
	if err != nil {
		return nil, err
	}
	if s.cluster == nil {
		return []lock.Permit{p}, nil
	}
	cp, err := s.cluster.Acquire(ctx, 1)
	if err != nil {
		_ = p.Release(context.WithoutCancel(ctx))
		return nil, err
	}
	return []lock.Permit{cp, p}, nil
}

// keepAlive extends permits until the returned stop func is called. A lost
// permit is logged and no longer renewed; the task keeps running.
func (s *Service) keepAlive(ctx context.Context, permits []lock.Permit) (stop func()) {
	if s.cluster == nil || s.renewEvery <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		live := slices.Clone(permits)
		ticker := time.NewTicker(s.renewEvery)
		defer ticker.Stop()
		for len(live) > 0 {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			live = slices.DeleteFunc(live, func(p lock.Permit) bool {
				err := p.Extend(ctx)
				if err == nil || ctx.Err() != nil {
					return false
				}
				if lock.IsLockLost(err) {
					s.logger.Warn("cluster permit lost", "pool", s.pool)
					return true
				}
				s.logger.Debug("extend permit", "pool", s.pool, "error", err)
				return false
			})
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *Service) release(permits []lock.Permit) {
	for _, p := range permits {
		if err := p.Release(context.Background()); err != nil {
			s.logger.Debug("release permit", "error", err)
		}
	}
}
