package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler fires Monitor ticks on a fixed interval.
type Scheduler struct {
	cron     *cron.Cron
	monitor  *Monitor
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	// inflight cancels the tick still running, if any; gen identifies it.
	inflight context.CancelFunc
	gen      uint64
}

// NewScheduler creates a scheduler ticking every interval.
func NewScheduler(m *Monitor, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:     cron.New(),
		monitor:  m,
		interval: interval,
		logger:   logger,
	}
}

// Start registers the tick and starts the cron scheduler. Ticks stop when
// ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("monitor interval must be positive, got %s", s.interval)
	}
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if _, err := s.cron.AddFunc("@every "+s.interval.String(), s.tick); err != nil {
		return fmt.Errorf("schedule monitor: %w", err)
	}
	s.cron.Start()
	s.logger.Info("monitor scheduler started", "interval", s.interval.String())
	return nil
}

// Stop cancels a running tick and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("monitor scheduler stopped")
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if s.inflight != nil {
		// The previous tick outlived its interval.
		s.inflight()
		s.logger.Warn("cancelled overdue monitor sweep")
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.interval)
	s.gen++
	gen := s.gen
	s.inflight = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		cancel()
		if s.gen == gen {
			s.inflight = nil
		}
		s.mu.Unlock()
	}()

	res, err := s.monitor.Tick(ctx)
	if err != nil {
		s.logger.Warn("monitor tick", "result", res.String(), "error", err)
		return
	}
	s.logger.Debug("monitor tick", "result", res.String())
}
