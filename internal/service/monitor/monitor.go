// Package monitor sweeps query statuses on a schedule. A cluster-wide lock
// makes sure at most one process sweeps per interval.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"queryfleet/internal/config"
	"queryfleet/internal/domain"
	"queryfleet/internal/lock"
)

// Config tunes a Monitor.
type Config struct {
	Interval  time.Duration
	LockWait  time.Duration
	LockLease time.Duration
	// InactiveQueryTTL is how long a finished query is kept once neither the
	// user nor the system touched it.
	InactiveQueryTTL    time.Duration
	ProgressIdleTimeout time.Duration
	UserIdleTimeout     time.Duration
	// PokeRate caps poke notifications per second; zero or less is unlimited.
	PokeRate float64
}

// ConfigFrom extracts the monitor settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	lease := cfg.MonitorLockLease
	if lease <= 0 {
		lease = cfg.MonitorInterval
	}
	return Config{
		Interval:            cfg.MonitorInterval,
		LockWait:            cfg.MonitorLockWait,
		LockLease:           lease,
		InactiveQueryTTL:    cfg.InactiveQueryTTL,
		ProgressIdleTimeout: cfg.ProgressIdleTimeout,
		UserIdleTimeout:     cfg.UserIdleTimeout,
		PokeRate:            cfg.PokeRate,
	}
}

// TickResult says what a Tick did.
type TickResult int

const (
	// TickLocked means another process held the monitor lock.
	TickLocked TickResult = iota
	// TickNotDue means a sweep completed less than an interval ago.
	TickNotDue
	// TickSwept means this process swept and recorded the sweep.
	TickSwept
	// TickFailed means the sweep or its bookkeeping failed.
	TickFailed
)

func (r TickResult) String() string {
	switch r {
	case TickLocked:
		return "locked"
	case TickNotDue:
		return "not_due"
	case TickSwept:
		return "swept"
	default:
		return "failed"
	}
}

// SweepReport counts what a sweep did.
type SweepReport struct {
	Checked   int
	Deleted   int
	Emptied   int
	Poked     int
	Cancelled int
	Errors    int
}

// Monitor deletes abandoned queries, pokes stalled ones and cancels queries
// whose user went away.
type Monitor struct {
	cfg      Config
	store    domain.StatusStore
	locker   lock.Locker
	results  domain.ResultsManager
	notifier domain.TaskNotifier
	limiter  *rate.Limiter
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the time source used for idleness checks.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a Monitor. A nil logger uses slog.Default().
func New(cfg Config, store domain.StatusStore, locker lock.Locker, results domain.ResultsManager, notifier domain.TaskNotifier, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.PokeRate > 0 {
		limit = rate.Limit(cfg.PokeRate)
	}
	m := &Monitor{
		cfg:      cfg,
		store:    store,
		locker:   locker,
		results:  results,
		notifier: notifier,
		limiter:  rate.NewLimiter(limit, max(1, int(cfg.PokeRate))),
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Tick runs one scheduled check: it sweeps only when it wins the monitor
// lock and the previous sweep is at least an interval old.
func (m *Monitor) Tick(ctx context.Context) (TickResult, error) {
	l, ok, err := m.locker.TryLock(ctx, lock.MonitorLockName, m.cfg.LockWait, m.cfg.LockLease)
	if err != nil {
		return TickLocked, fmt.Errorf("monitor lock: %w", err)
	}
	if !ok {
		return TickLocked, nil
	}
	defer func() {
		if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("release monitor lock", "error", err)
		}
	}()

	status, err := m.store.GetMonitorStatus(ctx)
	if err != nil {
		return TickFailed, fmt.Errorf("load monitor status: %w", err)
	}
	now := m.now()
	if !status.Due(now, m.cfg.Interval) {
		return TickNotDue, nil
	}

	report, err := m.Sweep(ctx)
	if err != nil {
		return TickFailed, err
	}
	if err := m.store.UpdateMonitorStatus(ctx, &domain.MonitorStatus{LastChecked: now}); err != nil {
		return TickFailed, fmt.Errorf("record sweep: %w", err)
	}
	m.logger.Info("monitor sweep complete",
		"checked", report.Checked, "deleted", report.Deleted, "emptied", report.Emptied,
		"poked", report.Poked, "cancelled", report.Cancelled, "errors", report.Errors)
	return TickSwept, nil
}

// Sweep checks every query once. A failure on one query is logged and the
// sweep moves on; only listing the queries or cancellation fails the sweep.
func (m *Monitor) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	all, err := m.store.ListQueryStatus(ctx)
	if err != nil {
		return report, fmt.Errorf("list queries: %w", err)
	}
	for i := range all {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		st := &all[i]
		report.Checked++
		if err := m.check(ctx, st, &report); err != nil {
			report.Errors++
			m.logger.Warn("monitor query", "query", st.QueryKey.String(), "error", err)
		}
	}
	return report, nil
}

func (m *Monitor) check(ctx context.Context, st *domain.QueryStatus, report *SweepReport) error {
	now := m.now()
	queryID := st.QueryKey.QueryID

	if !st.Runnable() {
		if now.Sub(st.LastActivity()) > m.cfg.InactiveQueryTTL {
			if err := m.results.DeleteQuery(ctx, queryID); err != nil {
				return fmt.Errorf("delete results channel: %w", err)
			}
			if err := m.store.DeleteQuery(ctx, queryID); err != nil {
				return fmt.Errorf("delete query: %w", err)
			}
			report.Deleted++
			m.logger.Info("deleted inactive query", "query", queryID, "state", string(st.State))
			return nil
		}
		if err := m.results.EmptyQuery(ctx, queryID); err != nil {
			return fmt.Errorf("empty results channel: %w", err)
		}
		report.Emptied++
		return nil
	}

	// Progress is checked first; a stalled query is poked even if its user
	// is idle too.
	if now.Sub(st.LastProgress()) > m.cfg.ProgressIdleTimeout {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := m.notifier.Notify(ctx, domain.NextRequest(st.QueryKey)); err != nil {
			return fmt.Errorf("poke query: %w", err)
		}
		report.Poked++
		m.logger.Info("poked stalled query", "query", queryID, "last_progress", st.LastProgress())
		return nil
	}

	if now.Sub(st.LastUserActivity()) > m.cfg.UserIdleTimeout {
		err := m.store.UpdateQueryState(ctx, queryID, domain.QueryStateCancel, "USER_IDLE",
			fmt.Sprintf("cancelled after %s without user activity", m.cfg.UserIdleTimeout))
		if domain.IsConflict(err) {
			m.logger.Debug("idle query already finished", "query", queryID, "error", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("cancel idle query: %w", err)
		}
		report.Cancelled++
		m.logger.Info("cancelled idle query", "query", queryID)
	}
	return nil
}
