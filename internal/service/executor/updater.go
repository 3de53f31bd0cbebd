package executor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"queryfleet/internal/domain"
)

// taskUpdater persists a running task's checkpoint in the background. The
// pulling goroutine owns the query logic, so it computes checkpoints itself
// and hands the latest one over; the updater only does the store writes.
type taskUpdater struct {
	store  domain.StatusStore
	logger *slog.Logger
	task   domain.QueryTask

	every int
	count int
	due   atomic.Bool

	updates chan domain.QueryCheckpoint
	done    chan struct{}
	stopped chan struct{}
}

func startTaskUpdater(ctx context.Context, store domain.StatusStore, task domain.QueryTask, every int, interval time.Duration, logger *slog.Logger) *taskUpdater {
	u := &taskUpdater{
		store:   store,
		logger:  logger,
		task:    task,
		every:   every,
		updates: make(chan domain.QueryCheckpoint, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if interval <= 0 {
		interval = time.Minute
	}
	go u.loop(ctx, interval)
	return u
}

func (u *taskUpdater) loop(ctx context.Context, interval time.Duration) {
	defer close(u.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-u.done:
			select {
			case cp := <-u.updates:
				u.write(ctx, cp)
			default:
			}
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.due.Store(true)
		case cp := <-u.updates:
			u.write(ctx, cp)
		}
	}
}

func (u *taskUpdater) write(ctx context.Context, cp domain.QueryCheckpoint) {
	u.task.Checkpoint = cp
	if err := u.store.UpdateTask(ctx, &u.task); err != nil {
		if domain.IsNotFound(err) {
			u.logger.Debug("task disappeared while running", "task", u.task.TaskKey().String())
			return
		}
		u.logger.Warn("refresh task checkpoint", "task", u.task.TaskKey().String(), "error", err)
		return
	}
	if err := u.store.TouchQuery(ctx, cp.QueryKey.QueryID, false); err != nil && !domain.IsNotFound(err) {
		u.logger.Warn("touch query", "query", cp.QueryKey.QueryID, "error", err)
	}
}

// published counts one delivered result and, when a refresh is due, offers
// the checkpoint returned by current.
func (u *taskUpdater) published(current func() domain.QueryCheckpoint) {
	u.count++
	if u.count < u.every && !u.due.Load() {
		return
	}
	u.count = 0
	u.due.Store(false)
	cp := current()
	// Replace a pending checkpoint the loop has not written yet.
	select {
	case u.updates <- cp:
	default:
		select {
		case <-u.updates:
		default:
		}
		select {
		case u.updates <- cp:
		default:
		}
	}
}

// stop writes a pending checkpoint, ends the loop and waits for it.
func (u *taskUpdater) stop() {
	close(u.done)
	<-u.stopped
}
